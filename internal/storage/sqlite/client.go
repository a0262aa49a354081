package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/storage/models"
	"github.com/defiguard/backend/pkg/logger"
)

var ErrNotFound = errors.New("threat not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer at a time; concurrent batches queue instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threat_intel (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		source_url TEXT UNIQUE NOT NULL,
		source_name TEXT NOT NULL,
		published_date INTEGER,
		scraped_at INTEGER NOT NULL,
		protocol_name TEXT,
		risk_level TEXT NOT NULL,
		risk_rank INTEGER NOT NULL,
		amount_lost REAL,
		blockchain TEXT,
		attack_type TEXT,
		tags TEXT,
		severity_score REAL NOT NULL DEFAULT 0,
		is_verified INTEGER NOT NULL DEFAULT 0,
		additional_data TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threat_protocol ON threat_intel(protocol_name);
	CREATE INDEX IF NOT EXISTS idx_threat_risk ON threat_intel(risk_rank);
	CREATE INDEX IF NOT EXISTS idx_threat_source ON threat_intel(source_name);
	CREATE INDEX IF NOT EXISTS idx_threat_attack ON threat_intel(attack_type);
	CREATE INDEX IF NOT EXISTS idx_threat_chain ON threat_intel(blockchain);
	CREATE INDEX IF NOT EXISTS idx_threat_severity ON threat_intel(severity_score);
	CREATE INDEX IF NOT EXISTS idx_threat_published ON threat_intel(published_date);

	CREATE TABLE IF NOT EXISTS scrape_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		items_scraped INTEGER NOT NULL DEFAULT 0,
		accepted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		errors TEXT,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_run ON scrape_runs(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON scrape_runs(started_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// upsertThreat applies the null-preserving, timestamp-gated policy in SQL as
// well, so two batches racing on one id converge whatever order they commit in.
const upsertThreat = `
	INSERT INTO threat_intel (id, title, description, source_url, source_name, published_date, scraped_at,
		protocol_name, risk_level, risk_rank, amount_lost, blockchain, attack_type, tags, severity_score,
		is_verified, additional_data, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = COALESCE(NULLIF(excluded.title, ''), threat_intel.title),
		description = COALESCE(NULLIF(excluded.description, ''), threat_intel.description),
		source_name = COALESCE(NULLIF(excluded.source_name, ''), threat_intel.source_name),
		published_date = COALESCE(excluded.published_date, threat_intel.published_date),
		scraped_at = excluded.scraped_at,
		protocol_name = COALESCE(excluded.protocol_name, threat_intel.protocol_name),
		risk_level = excluded.risk_level,
		risk_rank = excluded.risk_rank,
		amount_lost = COALESCE(excluded.amount_lost, threat_intel.amount_lost),
		blockchain = COALESCE(excluded.blockchain, threat_intel.blockchain),
		attack_type = COALESCE(excluded.attack_type, threat_intel.attack_type),
		tags = COALESCE(excluded.tags, threat_intel.tags),
		severity_score = excluded.severity_score,
		is_verified = excluded.is_verified,
		additional_data = COALESCE(excluded.additional_data, threat_intel.additional_data)
	WHERE excluded.scraped_at > threat_intel.scraped_at
`

// ApplyBatch writes all records in one transaction. Any failure rolls the
// whole batch back. It returns the ids whose write the scrape-timestamp gate
// turned into a no-op because the stored row was already as new.
func (c *Client) ApplyBatch(ctx context.Context, records []models.ThreatRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertThreat)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	var stale []string
	for _, r := range records {
		args, err := threatArgs(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode threat %s: %w", r.ID, err)
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert threat %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected for %s: %w", r.ID, err)
		}
		if n == 0 {
			stale = append(stale, r.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	logger.Debug("Threat batch committed", zap.Int("records", len(records)), zap.Int("stale", len(stale)))
	return stale, nil
}

func threatArgs(r models.ThreatRecord) ([]any, error) {
	var tags any
	if len(r.Tags) > 0 {
		b, err := json.Marshal(r.Tags)
		if err != nil {
			return nil, err
		}
		tags = string(b)
	}

	var aux any
	if len(r.AdditionalData) > 0 {
		b, err := json.Marshal(r.AdditionalData)
		if err != nil {
			return nil, err
		}
		aux = string(b)
	}

	var published any
	if r.PublishedDate != nil {
		published = r.PublishedDate.Unix()
	}

	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	verified := 0
	if r.IsVerified {
		verified = 1
	}

	return []any{
		r.ID,
		r.Title,
		r.Description,
		r.SourceURL,
		r.SourceName,
		published,
		r.ScrapedAt.UnixNano(),
		nullableString(r.ProtocolName),
		string(r.RiskLevel),
		r.RiskLevel.Rank(),
		nullableFloat(r.AmountLost),
		nullableString(r.Blockchain),
		nullableString(r.AttackType),
		tags,
		r.SeverityScore,
		verified,
		aux,
		created.Unix(),
	}, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

const threatColumns = `id, title, description, source_url, source_name, published_date, scraped_at,
	protocol_name, risk_level, amount_lost, blockchain, attack_type, tags, severity_score,
	is_verified, additional_data, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThreat(row rowScanner) (models.ThreatRecord, error) {
	var (
		r                            models.ThreatRecord
		description                  sql.NullString
		published                    sql.NullInt64
		scrapedAt, createdAt         int64
		protocol, blockchain, attack sql.NullString
		risk                         string
		amount                       sql.NullFloat64
		tags, aux                    sql.NullString
		verified                     int
	)

	err := row.Scan(
		&r.ID,
		&r.Title,
		&description,
		&r.SourceURL,
		&r.SourceName,
		&published,
		&scrapedAt,
		&protocol,
		&risk,
		&amount,
		&blockchain,
		&attack,
		&tags,
		&r.SeverityScore,
		&verified,
		&aux,
		&createdAt,
	)
	if err != nil {
		return r, err
	}

	r.Description = description.String
	if published.Valid {
		t := time.Unix(published.Int64, 0).UTC()
		r.PublishedDate = &t
	}
	r.ScrapedAt = time.Unix(0, scrapedAt).UTC()
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.RiskLevel = models.RiskLevel(risk)
	r.IsVerified = verified == 1
	if protocol.Valid {
		r.ProtocolName = &protocol.String
	}
	if blockchain.Valid {
		r.Blockchain = &blockchain.String
	}
	if attack.Valid {
		r.AttackType = &attack.String
	}
	if amount.Valid {
		r.AmountLost = &amount.Float64
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
			return r, fmt.Errorf("failed to decode tags for %s: %w", r.ID, err)
		}
	}
	if aux.Valid && aux.String != "" {
		if err := json.Unmarshal([]byte(aux.String), &r.AdditionalData); err != nil {
			return r, fmt.Errorf("failed to decode additional data for %s: %w", r.ID, err)
		}
	}

	return r, nil
}

func (c *Client) GetThreat(ctx context.Context, id string) (*models.ThreatRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+threatColumns+` FROM threat_intel WHERE id = ?`, id)
	r, err := scanThreat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get threat: %w", err)
	}
	return &r, nil
}

// Lookup returns the stored records for the given ids. Missing ids are absent
// from the map.
func (c *Client) Lookup(ctx context.Context, ids []string) (map[string]models.ThreatRecord, error) {
	found := make(map[string]models.ThreatRecord, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		batch := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}

		rows, err := c.db.QueryContext(ctx,
			`SELECT `+threatColumns+` FROM threat_intel WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up threats: %w", err)
		}

		for rows.Next() {
			r, err := scanThreat(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan row: %w", err)
			}
			found[r.ID] = r
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate threats: %w", err)
		}
	}

	return found, nil
}

func buildWhere(f models.ThreatFilter, now time.Time) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	if f.Protocol != "" {
		clauses = append(clauses, "LOWER(protocol_name) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Protocol)+"%")
	}
	if f.RiskLevel.Valid() {
		clauses = append(clauses, "risk_rank >= ?")
		args = append(args, f.RiskLevel.Rank())
	}
	if f.Source != "" {
		clauses = append(clauses, "LOWER(source_name) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Source)+"%")
	}
	if f.DaysBack > 0 {
		clauses = append(clauses, "scraped_at >= ?")
		args = append(args, now.AddDate(0, 0, -f.DaysBack).UnixNano())
	}
	if f.MinAmount > 0 {
		clauses = append(clauses, "amount_lost >= ?")
		args = append(args, f.MinAmount)
	}
	if f.MinSeverity > 0 {
		clauses = append(clauses, "severity_score >= ?")
		args = append(args, f.MinSeverity)
	}
	if f.Blockchain != "" {
		clauses = append(clauses, "LOWER(blockchain) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Blockchain)+"%")
	}
	if f.AttackType != "" {
		clauses = append(clauses, "LOWER(attack_type) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.AttackType)+"%")
	}
	if len(f.Tags) > 0 {
		var tagClauses []string
		for _, tag := range f.Tags {
			tagClauses = append(tagClauses, "tags LIKE ?")
			args = append(args, `%"`+tag+`"%`)
		}
		clauses = append(clauses, "("+strings.Join(tagClauses, " OR ")+")")
	}
	if f.Search != "" {
		clauses = append(clauses, "(LOWER(title) LIKE ? OR LOWER(description) LIKE ? OR LOWER(protocol_name) LIKE ?)")
		q := "%" + strings.ToLower(f.Search) + "%"
		args = append(args, q, q, q)
	}
	if f.Verified {
		clauses = append(clauses, "is_verified = 1")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryThreats returns records ordered by severity, then publication and
// scrape time, most recent first.
func (c *Client) QueryThreats(ctx context.Context, f models.ThreatFilter) ([]models.ThreatRecord, error) {
	where, args := buildWhere(f, time.Now())

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	query := `SELECT ` + threatColumns + ` FROM threat_intel` + where +
		` ORDER BY severity_score DESC, published_date DESC, scraped_at DESC LIMIT ? OFFSET ?`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threats: %w", err)
	}
	defer rows.Close()

	var records []models.ThreatRecord
	for rows.Next() {
		r, err := scanThreat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) CountThreats(ctx context.Context, f models.ThreatFilter) (int, error) {
	where, args := buildWhere(f, time.Now())

	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM threat_intel`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count threats: %w", err)
	}
	return n, nil
}

func (c *Client) ListProtocols(ctx context.Context) ([]models.ProtocolSummary, error) {
	query := `
		SELECT protocol_name, COUNT(1), COALESCE(SUM(amount_lost), 0), MAX(severity_score), MAX(scraped_at)
		FROM threat_intel
		WHERE protocol_name IS NOT NULL
		GROUP BY protocol_name
		ORDER BY COUNT(1) DESC, protocol_name ASC
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}
	defer rows.Close()

	var out []models.ProtocolSummary
	for rows.Next() {
		var (
			p        models.ProtocolSummary
			lastSeen int64
		)
		if err := rows.Scan(&p.Name, &p.IncidentCount, &p.TotalLost, &p.MaxSeverity, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		p.LastSeen = time.Unix(0, lastSeen).UTC()
		out = append(out, p)
	}

	return out, rows.Err()
}

func (c *Client) Statistics(ctx context.Context, recentDays int) (*models.Statistics, error) {
	stats := &models.Statistics{
		ByRiskLevel:    make(map[models.RiskLevel]int),
		BySource:       make(map[string]int),
		TopAttackTypes: make(map[string]int),
	}

	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(1), COALESCE(SUM(amount_lost), 0), COALESCE(AVG(severity_score), 0) FROM threat_intel`,
	).Scan(&stats.TotalThreats, &stats.TotalLost, &stats.AverageSeverity)
	if err != nil {
		return nil, fmt.Errorf("failed to read totals: %w", err)
	}

	since := time.Now().AddDate(0, 0, -recentDays).UnixNano()
	err = c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM threat_intel WHERE scraped_at >= ?`, since).
		Scan(&stats.RecentThreats)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent threats: %w", err)
	}

	groups := []struct {
		query string
		put   func(key string, n int)
	}{
		{`SELECT risk_level, COUNT(1) FROM threat_intel GROUP BY risk_level`,
			func(k string, n int) { stats.ByRiskLevel[models.RiskLevel(k)] = n }},
		{`SELECT source_name, COUNT(1) FROM threat_intel GROUP BY source_name`,
			func(k string, n int) { stats.BySource[k] = n }},
		{`SELECT attack_type, COUNT(1) FROM threat_intel WHERE attack_type IS NOT NULL
			GROUP BY attack_type ORDER BY COUNT(1) DESC LIMIT 10`,
			func(k string, n int) { stats.TopAttackTypes[k] = n }},
	}

	for _, g := range groups {
		rows, err := c.db.QueryContext(ctx, g.query)
		if err != nil {
			return nil, fmt.Errorf("failed to group threats: %w", err)
		}
		for rows.Next() {
			var (
				key string
				n   int
			)
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan row: %w", err)
			}
			g.put(key, n)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func (c *Client) RecordRun(ctx context.Context, run models.ScrapeRun) error {
	var errs any
	if len(run.Errors) > 0 {
		b, err := json.Marshal(run.Errors)
		if err != nil {
			return fmt.Errorf("failed to encode run errors: %w", err)
		}
		errs = string(b)
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO scrape_runs (run_id, source, status, items_scraped, accepted, updated, errors, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.Source,
		run.Status,
		run.ItemsScraped,
		run.Accepted,
		run.Updated,
		errs,
		run.StartedAt.Unix(),
		run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	return nil
}

func (c *Client) RecentRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, source, status, items_scraped, accepted, updated, errors, started_at, duration_ms
		FROM scrape_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get runs: %w", err)
	}
	defer rows.Close()

	var runs []models.ScrapeRun
	for rows.Next() {
		var (
			r          models.ScrapeRun
			errs       sql.NullString
			started    int64
			durationMs int64
		)
		if err := rows.Scan(&r.RunID, &r.Source, &r.Status, &r.ItemsScraped, &r.Accepted, &r.Updated,
			&errs, &started, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if errs.Valid && errs.String != "" {
			_ = json.Unmarshal([]byte(errs.String), &r.Errors)
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}

	return runs, rows.Err()
}
