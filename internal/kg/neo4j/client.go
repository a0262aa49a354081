package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/storage/models"
	"github.com/defiguard/backend/pkg/circuitbreaker"
	"github.com/defiguard/backend/pkg/logger"
	"github.com/defiguard/backend/pkg/retry"
)

// Client projects threat records into an incident graph:
//
//	(:Protocol)-[:SUFFERED]->(:Incident)-[:USED]->(:AttackVector)
//	(:Incident)-[:ON_CHAIN]->(:Blockchain)
//	(:Incident)-[:REPORTED_BY]->(:Source)
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
	log         *zap.Logger
}

// GraphIncident is one incident as seen from a protocol node.
type GraphIncident struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	RiskLevel     string   `json:"risk_level"`
	Severity      float64  `json:"severity"`
	AmountLost    *float64 `json:"amount_lost,omitempty"`
	Source        string   `json:"source"`
	AttackVectors []string `json:"attack_vectors"`
	Blockchains   []string `json:"blockchains"`
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
		log:         logger.Named("neo4j"),
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

var constraints = []string{
	`CREATE CONSTRAINT incident_id IF NOT EXISTS FOR (i:Incident) REQUIRE i.id IS UNIQUE`,
	`CREATE CONSTRAINT protocol_name IF NOT EXISTS FOR (p:Protocol) REQUIRE p.name IS UNIQUE`,
	`CREATE CONSTRAINT attack_vector_name IF NOT EXISTS FOR (a:AttackVector) REQUIRE a.name IS UNIQUE`,
	`CREATE CONSTRAINT blockchain_name IF NOT EXISTS FOR (b:Blockchain) REQUIRE b.name IS UNIQUE`,
	`CREATE CONSTRAINT source_name IF NOT EXISTS FOR (s:Source) REQUIRE s.name IS UNIQUE`,
}

func (c *Client) EnsureSchema(ctx context.Context) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		for _, stmt := range constraints {
			if _, err := session.Run(ctx, stmt, nil); err != nil {
				return fmt.Errorf("failed to create constraint: %w", err)
			}
		}
		return nil
	})
}

const projectIncidents = `
	UNWIND $incidents AS inc
	MERGE (i:Incident {id: inc.id})
	SET i.title = inc.title,
	    i.url = inc.url,
	    i.risk = inc.risk,
	    i.severity = inc.severity,
	    i.amount = inc.amount,
	    i.scraped_at = inc.scraped_at
	MERGE (s:Source {name: inc.source})
	MERGE (i)-[:REPORTED_BY]->(s)
	FOREACH (name IN CASE WHEN inc.protocol IS NULL THEN [] ELSE [inc.protocol] END |
	    MERGE (p:Protocol {name: name})
	    MERGE (p)-[:SUFFERED]->(i))
	FOREACH (name IN CASE WHEN inc.attack IS NULL THEN [] ELSE [inc.attack] END |
	    MERGE (a:AttackVector {name: name})
	    MERGE (i)-[:USED]->(a))
	FOREACH (name IN CASE WHEN inc.chain IS NULL THEN [] ELSE [inc.chain] END |
	    MERGE (b:Blockchain {name: name})
	    MERGE (i)-[:ON_CHAIN]->(b))
`

func (c *Client) Name() string {
	return "neo4j"
}

// Project merges committed records into the graph in one write transaction.
func (c *Client) Project(ctx context.Context, records []models.ThreatRecord) error {
	if len(records) == 0 {
		return nil
	}

	incidents := make([]map[string]any, len(records))
	for i, r := range records {
		incidents[i] = incidentParams(r)
	}

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, projectIncidents, map[string]any{"incidents": incidents})
			return nil, err
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to project incidents: %w", err)
	}

	c.log.Debug("Incidents projected", zap.Int("count", len(records)))
	return nil
}

func incidentParams(r models.ThreatRecord) map[string]any {
	return map[string]any{
		"id":         r.ID,
		"title":      r.Title,
		"url":        r.SourceURL,
		"source":     r.SourceName,
		"risk":       string(r.RiskLevel),
		"severity":   r.SeverityScore,
		"amount":     optional(r.AmountLost),
		"protocol":   optional(r.ProtocolName),
		"attack":     optional(r.AttackType),
		"chain":      optional(r.Blockchain),
		"scraped_at": r.ScrapedAt.Unix(),
	}
}

// optional turns a nil pointer into a Cypher null.
func optional[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

const incidentsForProtocol = `
	MATCH (p:Protocol {name: $name})-[:SUFFERED]->(i:Incident)
	OPTIONAL MATCH (i)-[:REPORTED_BY]->(s:Source)
	OPTIONAL MATCH (i)-[:USED]->(a:AttackVector)
	OPTIONAL MATCH (i)-[:ON_CHAIN]->(b:Blockchain)
	RETURN i.id AS id, i.title AS title, i.url AS url, i.risk AS risk,
	       i.severity AS severity, i.amount AS amount, s.name AS source,
	       collect(DISTINCT a.name) AS attacks, collect(DISTINCT b.name) AS chains
	ORDER BY severity DESC, id
	LIMIT $limit
`

func (c *Client) IncidentsForProtocol(ctx context.Context, name string, limit int) ([]GraphIncident, error) {
	if limit <= 0 {
		limit = 50
	}

	var incidents []GraphIncident
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		incidents = incidents[:0]

		result, err := session.Run(ctx, incidentsForProtocol, map[string]any{
			"name":  name,
			"limit": limit,
		})
		if err != nil {
			return fmt.Errorf("failed to query incidents: %w", err)
		}

		for result.Next(ctx) {
			incidents = append(incidents, graphIncident(result.Record()))
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Debug("Graph lookup completed", zap.String("protocol", name), zap.Int("incidents", len(incidents)))
	return incidents, nil
}

func graphIncident(record *neo4j.Record) GraphIncident {
	get := func(key string) any {
		v, _ := record.Get(key)
		return v
	}

	inc := GraphIncident{
		ID:            asString(get("id")),
		Title:         asString(get("title")),
		URL:           asString(get("url")),
		RiskLevel:     asString(get("risk")),
		Source:        asString(get("source")),
		AttackVectors: asStrings(get("attacks")),
		Blockchains:   asStrings(get("chains")),
	}
	if v, ok := get("severity").(float64); ok {
		inc.Severity = v
	}
	if v, ok := get("amount").(float64); ok {
		inc.AmountLost = &v
	}
	return inc
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
