// Package evaluation measures the relevance classifier against a labelled
// dataset of article titles and bodies.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/classifier"
	"github.com/defiguard/backend/pkg/logger"
)

type Evaluator struct {
	classifier classifier.Classifier
	log        *zap.Logger
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

// DatasetItem is one labelled article. An empty Protocol means the article
// names none.
type DatasetItem struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Relevant bool   `json:"relevant"`
	Protocol string `json:"protocol,omitempty"`
}

// Miss is an item the classifier got wrong.
type Miss struct {
	Index            int    `json:"index"`
	Title            string `json:"title"`
	WantRelevant     bool   `json:"want_relevant"`
	GotRelevant      bool   `json:"got_relevant"`
	WantProtocol     string `json:"want_protocol,omitempty"`
	GotProtocol      string `json:"got_protocol,omitempty"`
	Method           string `json:"method"`
	ClassifierReason string `json:"reason"`
}

type Report struct {
	Total            int            `json:"total"`
	TruePositives    int            `json:"true_positives"`
	FalsePositives   int            `json:"false_positives"`
	TrueNegatives    int            `json:"true_negatives"`
	FalseNegatives   int            `json:"false_negatives"`
	Precision        float64        `json:"precision"`
	Recall           float64        `json:"recall"`
	F1               float64        `json:"f1"`
	Accuracy         float64        `json:"accuracy"`
	// ProtocolAccuracy is measured over relevant items only.
	ProtocolAccuracy float64        `json:"protocol_accuracy"`
	AvgConfidence    float64        `json:"avg_confidence"`
	ByMethod         map[string]int `json:"by_method"`
	Misses           []Miss         `json:"misses,omitempty"`
}

func NewEvaluator(c classifier.Classifier) *Evaluator {
	return &Evaluator{
		classifier: c,
		log:        logger.Named("evaluation"),
	}
}

func LoadDataset(r io.Reader) (*Dataset, error) {
	var dataset Dataset
	if err := json.NewDecoder(r).Decode(&dataset); err != nil {
		return nil, fmt.Errorf("failed to decode dataset: %w", err)
	}
	if len(dataset.Items) == 0 {
		return nil, fmt.Errorf("dataset has no items")
	}
	return &dataset, nil
}

// Run classifies every item in order. It stops early with ctx's error when
// ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context, dataset *Dataset) (*Report, error) {
	e.log.Info("Running classifier evaluation", zap.Int("items", len(dataset.Items)))

	report := &Report{
		Total:    len(dataset.Items),
		ByMethod: make(map[string]int),
	}

	var (
		totalConfidence  float64
		relevantItems    int
		protocolsCorrect int
	)

	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := e.classifier.Classify(ctx, item.Title, item.Body)
		report.ByMethod[res.Method]++
		totalConfidence += res.Confidence

		got := ""
		if res.Protocol != nil {
			got = *res.Protocol
		}

		switch {
		case item.Relevant && res.IsRelevant:
			report.TruePositives++
		case item.Relevant:
			report.FalseNegatives++
		case res.IsRelevant:
			report.FalsePositives++
		default:
			report.TrueNegatives++
		}

		protocolOK := true
		if item.Relevant {
			relevantItems++
			protocolOK = strings.EqualFold(got, item.Protocol)
			if protocolOK {
				protocolsCorrect++
			}
		}

		if item.Relevant != res.IsRelevant || !protocolOK {
			report.Misses = append(report.Misses, Miss{
				Index:            i,
				Title:            item.Title,
				WantRelevant:     item.Relevant,
				GotRelevant:      res.IsRelevant,
				WantProtocol:     item.Protocol,
				GotProtocol:      got,
				Method:           res.Method,
				ClassifierReason: res.Reason,
			})
		}
	}

	report.Precision = ratio(report.TruePositives, report.TruePositives+report.FalsePositives)
	report.Recall = ratio(report.TruePositives, report.TruePositives+report.FalseNegatives)
	if report.Precision+report.Recall > 0 {
		report.F1 = 2 * report.Precision * report.Recall / (report.Precision + report.Recall)
	}
	report.Accuracy = ratio(report.TruePositives+report.TrueNegatives, report.Total)
	report.ProtocolAccuracy = ratio(protocolsCorrect, relevantItems)
	if report.Total > 0 {
		report.AvgConfidence = totalConfidence / float64(report.Total)
	}

	e.log.Info("Classifier evaluation completed",
		zap.Int("total", report.Total),
		zap.Float64("precision", report.Precision),
		zap.Float64("recall", report.Recall),
		zap.Int("misses", len(report.Misses)),
	)

	return report, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `
Classifier Evaluation
=====================

Items: %d

Relevance:
- True positives:  %d
- False positives: %d
- True negatives:  %d
- False negatives: %d
- Precision: %.3f
- Recall:    %.3f
- F1:        %.3f
- Accuracy:  %.3f

Protocol accuracy (relevant items): %.3f
Average confidence: %.2f
`,
		r.Total,
		r.TruePositives, r.FalsePositives, r.TrueNegatives, r.FalseNegatives,
		r.Precision, r.Recall, r.F1, r.Accuracy,
		r.ProtocolAccuracy, r.AvgConfidence,
	)

	if len(r.Misses) > 0 {
		b.WriteString("\nMisses:\n")
		for _, m := range r.Misses {
			fmt.Fprintf(&b, "- #%d %q relevant=%v/%v protocol=%q/%q (%s)\n",
				m.Index, m.Title, m.WantRelevant, m.GotRelevant, m.WantProtocol, m.GotProtocol, m.Method)
		}
	}
	return b.String()
}
