package sources

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/defiguard/backend/internal/analysis"
	"github.com/defiguard/backend/internal/classifier"
	"github.com/defiguard/backend/internal/scraper/extract"
	"github.com/defiguard/backend/internal/storage/models"
)

func (p *Pipeline) build(link, title, body string, doc *goquery.Document, res classifier.Result) (models.Candidate, error) {
	text := title + " " + body

	amount := analysis.AmountLost(text)
	level := analysis.RiskLevel(amount, title, body, p.thresholds)

	protocol := res.Protocol
	if protocol == nil {
		if name := analysis.ProtocolName(text); name != "" {
			protocol = &name
		}
	}

	tags := append(analysis.Tags(title, body), p.spec.ExtraTags...)

	var attack, chain *string
	if p.spec.Attacks != nil {
		if label, ok := analysis.Classify(body, p.spec.Attacks); ok {
			attack = &label
		}
	}
	if p.spec.Chains != nil {
		if name := analysis.Blockchain(body, p.spec.Chains); name != "" {
			chain = &name
		}
	}

	aux := map[string]any{
		"summary":                   analysis.Summary(body),
		"classification_confidence": res.Confidence,
		"classification_method":     res.Method,
		"classification_reason":     res.Reason,
		"severity_keywords":         analysis.SeverityKeywords(text),
		"confidence_score":          analysis.SourceConfidence(body, p.spec.DisplayName),
	}
	if p.spec.Enrich != nil {
		p.spec.Enrich(title, body, aux)
	}

	c := models.Candidate{
		Title:          title,
		Description:    body,
		SourceURL:      link,
		SourceName:     p.spec.DisplayName,
		ScrapedAt:      p.now(),
		ProtocolName:   protocol,
		RiskLevel:      level,
		AmountLost:     amount,
		Blockchain:     chain,
		AttackType:     attack,
		Tags:           tags,
		SeverityScore:  p.profile.Score(amount, level),
		IsVerified:     p.spec.Verified,
		AdditionalData: aux,
	}
	if t, ok := extract.PublishedDate(doc, p.spec.Article.Date); ok {
		c.PublishedDate = &t
	}

	return models.NewCandidate(c)
}
