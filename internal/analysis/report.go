package analysis

import (
	"strings"

	"github.com/jdkato/prose/v2"
)

// Blockchain returns the canonical network named in text.
func Blockchain(text string, t *Table) string {
	chain, _ := Classify(text, t)
	return chain
}

func HasPostMortem(text string) bool {
	return containsAny(strings.ToLower(text), postMortemKeywords)
}

// ReportType labels analytical publications by their framing.
func ReportType(title, body string) string {
	text := strings.ToLower(title + " " + body)
	switch {
	case strings.Contains(text, "report"):
		switch {
		case containsAny(text, []string{"annual", "yearly", "year"}):
			return "annual_report"
		case containsAny(text, []string{"monthly", "month"}):
			return "monthly_report"
		case containsAny(text, []string{"quarterly", "quarter"}):
			return "quarterly_report"
		default:
			return "research_report"
		}
	case strings.Contains(text, "analysis"):
		return "analysis"
	case containsAny(text, []string{"insight", "findings"}):
		return "insights"
	default:
		return "blog_post"
	}
}

func AnalysisType(text string) string {
	if label, ok := Classify(text, AnalysisTypes); ok {
		return label
	}
	return "general_analysis"
}

func GeographicalFocus(text string) string {
	geo, _ := Classify(text, GeoTable)
	return geo
}

var (
	defiKeywords = []string{
		"defi", "decentralized finance", "dex", "yield farming", "liquidity",
		"smart contract", "protocol", "flash loan", "governance token",
		"amm", "automated market maker", "lending protocol", "borrowing",
		"staking", "validator", "consensus", "bridge", "cross-chain",
	}
	offTopicKeywords = []string{
		"bitcoin only", "btc only", "traditional finance", "fiat",
		"regulation only", "policy only", "legal only",
	}
)

// IsDeFiRelevant requires at least one DeFi keyword and none of the
// off-topic markers.
func IsDeFiRelevant(title, body string) bool {
	text := strings.ToLower(title + " " + body)
	return containsAny(text, defiKeywords) && !containsAny(text, offTopicKeywords)
}

// SeverityKeywords lists the severity categories mentioned in text.
func SeverityKeywords(text string) []string {
	return ClassifyAll(text, severityKeywordTable)
}

var sourceReliability = map[string]float64{
	"Rekt News":   9.0,
	"Chainalysis": 9.5,
	"CoinDesk":    8.0,
	"The Block":   8.0,
}

// SourceConfidence rates how much detail a report carries, on a 0-10 scale.
func SourceConfidence(body, sourceName string) float64 {
	score, ok := sourceReliability[sourceName]
	if !ok {
		score = 5.0
	}

	if n := len([]rune(body)); n > 500 {
		score += 0.5
		if n > 1000 {
			score += 0.5
		}
	}

	lower := strings.ToLower(body)
	if containsAny(lower, []string{"$", "million", "billion"}) {
		score += 0.5
	}
	if containsAny(lower, []string{"exploit", "vulnerability", "attack"}) {
		score += 0.5
	}

	if score > 10 {
		return 10
	}
	return score
}

const summarySentences = 2

// Summary returns the first sentences of body.
func Summary(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}

	doc, err := prose.NewDocument(body,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return body
	}

	sentences := doc.Sentences()
	if len(sentences) > summarySentences {
		sentences = sentences[:summarySentences]
	}

	parts := make([]string, 0, len(sentences))
	for _, s := range sentences {
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	return strings.Join(parts, " ")
}
