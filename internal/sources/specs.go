package sources

import (
	"github.com/defiguard/backend/internal/analysis"
	"github.com/defiguard/backend/internal/scraper/extract"
)

// Rekt publishes incident post-mortems.
var Rekt = Spec{
	Key:         "rekt",
	DisplayName: "Rekt News",
	Links: extract.LinkRules{
		Selectors: []string{
			`a[href*="/posts/"]`,
			`a[href*="/articles/"]`,
			".post-title a",
			".article-title a",
			"h2 a",
			"h3 a",
		},
		HrefKeywords: []string{"post", "article", "/20"},
	},
	Article: extract.Rules{
		Title: []extract.Rule{
			{Selector: "h1", MinLen: 10},
			{Selector: ".post-title", MinLen: 10},
			{Selector: ".article-title", MinLen: 10},
			{Selector: "title", MinLen: 10},
			{Selector: `[class*="title"]`, MinLen: 10},
		},
		Body: []extract.Rule{
			{Selector: ".post-content", MinLen: 100, Remove: []string{"script", "style"}},
			{Selector: ".article-content", MinLen: 100, Remove: []string{"script", "style"}},
			{Selector: ".content", MinLen: 100, Remove: []string{"script", "style"}},
			{Selector: "main", MinLen: 100, Remove: []string{"script", "style"}},
			{Selector: `[class*="content"]`, MinLen: 100, Remove: []string{"script", "style"}},
		},
		MaxBody:      1000,
		BodyFallback: true,
	},
	Attacks:  analysis.RektAttackVectors,
	Chains:   analysis.RektChains,
	Verified: true,
	Enrich: func(title, body string, aux map[string]any) {
		if v, ok := analysis.Classify(body, analysis.RektAttackVectors); ok {
			aux["attack_vector"] = v
		}
		if chain := analysis.Blockchain(body, analysis.RektChains); chain != "" {
			aux["blockchain_network"] = chain
		}
		aux["post_mortem"] = analysis.HasPostMortem(body)
	},
}

var analyticalLinkKeywords = []string{
	"defi", "hack", "exploit", "vulnerability", "attack", "security",
	"breach", "theft", "scam", "fraud", "laundering", "crime",
	"protocol", "smart contract", "dex", "yield", "flash loan",
}

var analyticalRemove = []string{"script", "style", "nav", "aside", ".share-buttons"}

// Chainalysis publishes research and trend analysis.
var Chainalysis = Spec{
	Key:         "chainalysis",
	DisplayName: "Chainalysis",
	Links: extract.LinkRules{
		Selectors: []string{
			`a[href*="/blog/"]`,
			".post-title a",
			".article-title a",
			"h2 a",
			"h3 a",
			".blog-post a",
		},
		TextKeywords: analyticalLinkKeywords,
	},
	Article: extract.Rules{
		Title: []extract.Rule{
			{Selector: "h1.entry-title", MinLen: 10},
			{Selector: "h1.post-title", MinLen: 10},
			{Selector: "h1", MinLen: 10},
			{Selector: ".blog-post-title", MinLen: 10},
			{Selector: ".article-title", MinLen: 10},
			{Selector: "title", MinLen: 10},
		},
		Body: []extract.Rule{
			{Selector: ".entry-content", MinLen: 200, Remove: analyticalRemove},
			{Selector: ".post-content", MinLen: 200, Remove: analyticalRemove},
			{Selector: ".blog-post-content", MinLen: 200, Remove: analyticalRemove},
			{Selector: ".article-content", MinLen: 200, Remove: analyticalRemove},
			{Selector: "main .content", MinLen: 200, Remove: analyticalRemove},
			{Selector: ".post-body", MinLen: 200, Remove: analyticalRemove},
		},
		MaxBody: 1500,
	},
	Attacks:   analysis.IncidentAttackTypes,
	Chains:    analysis.AnalyticalChains,
	ExtraTags: []string{"analysis", "research"},
	Verified:  true,
	PreFilter: analysis.IsDeFiRelevant,
	Enrich: func(title, body string, aux map[string]any) {
		aux["analysis_type"] = analysis.AnalysisType(body)
		aux["data_source"] = "chainalysis"
		aux["report_type"] = analysis.ReportType(title, body)
		if geo := analysis.GeographicalFocus(body); geo != "" {
			aux["geographical_focus"] = geo
		}
	},
}

// builtin lists the publishers known by config key.
var builtin = map[string]Spec{
	Rekt.Key:        Rekt,
	Chainalysis.Key: Chainalysis,
}

func SpecFor(key string) (Spec, bool) {
	s, ok := builtin[key]
	return s, ok
}
