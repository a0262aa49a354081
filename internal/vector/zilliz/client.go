package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/storage/models"
	"github.com/defiguard/backend/pkg/circuitbreaker"
	"github.com/defiguard/backend/pkg/logger"
)

// Embedder turns incident text into a vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Client keeps a similarity index of threat records.
type Client struct {
	client         client.Client
	embedder       Embedder
	collectionName string
	vectorDim      int
	cb             *circuitbreaker.CircuitBreaker
	log            *zap.Logger
}

type SearchFilter struct {
	RiskLevel string
	Protocol  string
	// ExcludeID drops one record, usually the query record itself.
	ExcludeID string
}

type SimilarIncident struct {
	ThreatID  string  `json:"threat_id"`
	Protocol  string  `json:"protocol,omitempty"`
	RiskLevel string  `json:"risk_level"`
	SourceURL string  `json:"source_url"`
	Score     float32 `json:"score"`
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int, embedder Embedder) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		embedder:       embedder,
		collectionName: collectionName,
		vectorDim:      vectorDim,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		log: logger.Named("zilliz"),
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

// Ping checks the backend answers and the collection is still there.
func (z *Client) Ping(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("collection %s missing", z.collectionName)
	}
	return nil
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:     name,
		DataType: entity.FieldTypeVarChar,
		TypeParams: map[string]string{
			"max_length": strconv.Itoa(maxLen),
		},
	}
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		z.log.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	id := varchar("threat_id", 64)
	id.PrimaryKey = true

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "DeFi incident embeddings",
		Fields: []*entity.Field{
			id,
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(z.vectorDim),
				},
			},
			varchar("protocol", 128),
			varchar("risk_level", 16),
			varchar("source_url", 1024),
			{
				Name:     "timestamp",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	z.log.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

func (z *Client) Name() string {
	return "milvus"
}

// EmbedText is the text a record is indexed under: its title and summary.
func EmbedText(r models.ThreatRecord) string {
	summary, _ := r.AdditionalData["summary"].(string)
	if summary == "" {
		summary = r.Description
		if runes := []rune(summary); len(runes) > 500 {
			summary = string(runes[:500])
		}
	}
	return strings.TrimSpace(r.Title + "\n" + summary)
}

// Project embeds and upserts committed records. Records whose embedding fails
// are skipped so one bad record does not hold back the batch.
func (z *Client) Project(ctx context.Context, records []models.ThreatRecord) error {
	if len(records) == 0 {
		return nil
	}

	var (
		ids        []string
		embeddings [][]float32
		protocols  []string
		risks      []string
		urls       []string
		timestamps []int64
	)

	for _, r := range records {
		embedding, err := z.embedder.GenerateEmbedding(ctx, EmbedText(r))
		if err != nil {
			z.log.Warn("Embedding failed, record not indexed", zap.String("threat_id", r.ID), zap.Error(err))
			continue
		}
		if len(embedding) != z.vectorDim {
			z.log.Warn("Embedding dimension mismatch",
				zap.String("threat_id", r.ID),
				zap.Int("got", len(embedding)),
				zap.Int("want", z.vectorDim),
			)
			continue
		}

		protocol := ""
		if r.ProtocolName != nil {
			protocol = *r.ProtocolName
		}

		ids = append(ids, r.ID)
		embeddings = append(embeddings, embedding)
		protocols = append(protocols, protocol)
		risks = append(risks, string(r.RiskLevel))
		urls = append(urls, r.SourceURL)
		timestamps = append(timestamps, r.ScrapedAt.Unix())
	}

	if len(ids) == 0 {
		return fmt.Errorf("no embeddings produced for %d records", len(records))
	}

	err := z.cb.Execute(ctx, func() error {
		_, err := z.client.Upsert(
			ctx,
			z.collectionName,
			"",
			entity.NewColumnVarChar("threat_id", ids),
			entity.NewColumnFloatVector("embedding", z.vectorDim, embeddings),
			entity.NewColumnVarChar("protocol", protocols),
			entity.NewColumnVarChar("risk_level", risks),
			entity.NewColumnVarChar("source_url", urls),
			entity.NewColumnInt64("timestamp", timestamps),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert incidents: %w", err)
	}

	z.log.Info("Incidents indexed", zap.Int("count", len(ids)))
	return nil
}

// FilterExpr builds the boolean expression for a search filter.
func FilterExpr(f SearchFilter) string {
	var clauses []string
	if f.RiskLevel != "" {
		clauses = append(clauses, "risk_level == "+strconv.Quote(f.RiskLevel))
	}
	if f.Protocol != "" {
		clauses = append(clauses, "protocol == "+strconv.Quote(f.Protocol))
	}
	if f.ExcludeID != "" {
		clauses = append(clauses, "threat_id != "+strconv.Quote(f.ExcludeID))
	}
	return strings.Join(clauses, " && ")
}

func (z *Client) Search(ctx context.Context, embedding []float32, topK int, filter SearchFilter) ([]SimilarIncident, error) {
	if topK <= 0 {
		topK = 5
	}
	expr := FilterExpr(filter)

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var searchResult []client.SearchResult
	err = z.cb.Execute(ctx, func() error {
		var err error
		searchResult, err = z.client.Search(
			ctx,
			z.collectionName,
			[]string{},
			expr,
			[]string{"threat_id", "protocol", "risk_level", "source_url"},
			[]entity.Vector{entity.FloatVector(embedding)},
			"embedding",
			entity.L2,
			topK,
			sp,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SimilarIncident, 0, topK)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn("threat_id")
		protocolCol := sr.Fields.GetColumn("protocol")
		riskCol := sr.Fields.GetColumn("risk_level")
		urlCol := sr.Fields.GetColumn("source_url")
		if idCol == nil {
			continue
		}

		for i := 0; i < sr.ResultCount; i++ {
			id, _ := idCol.GetAsString(i)
			inc := SimilarIncident{ThreatID: id, Score: sr.Scores[i]}
			if protocolCol != nil {
				inc.Protocol, _ = protocolCol.GetAsString(i)
			}
			if riskCol != nil {
				inc.RiskLevel, _ = riskCol.GetAsString(i)
			}
			if urlCol != nil {
				inc.SourceURL, _ = urlCol.GetAsString(i)
			}
			results = append(results, inc)
		}
	}

	z.log.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
	)

	return results, nil
}

// SimilarTo finds incidents close to record, excluding record itself.
func (z *Client) SimilarTo(ctx context.Context, record models.ThreatRecord, topK int) ([]SimilarIncident, error) {
	embedding, err := z.embedder.GenerateEmbedding(ctx, EmbedText(record))
	if err != nil {
		return nil, fmt.Errorf("failed to embed query record: %w", err)
	}
	return z.Search(ctx, embedding, topK, SearchFilter{ExcludeID: record.ID})
}
