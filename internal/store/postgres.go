package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/mapping"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn, and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db   DBTX
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// PoolOptions sizes the connection pool.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool opens and pings a pgx connection pool.
func NewPool(ctx context.Context, url string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgres wraps pool. Call Migrate before first use on a new database.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool, pool: pool}
}

// Migrate creates the pipeline tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", classify(err))
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (p *Postgres) Close() { p.pool.Close() }

// classify marks errors that did not come back from the server (network,
// pool exhaustion, timeouts) as domain.ErrStorageUnavailable. Server errors
// such as constraint violations are about the row and are returned as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

func toPgText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func toPgNumeric(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	if err := n.Scan(d.String()); err != nil {
		return pgtype.Numeric{Valid: false}
	}
	return n
}

const sessionColumns = `id, entity_type, file_name, status, total_records, processed_records,
	successful_records, failed_records, field_mappings, confidence, processing_rate,
	estimated_time_remaining, retry_count, error_message, fallback_action,
	fallback_instruction, created_at, updated_at`

func (p *Postgres) CreateSession(ctx context.Context, s *domain.ImportSession) error {
	mappings, err := json.Marshal(s.FieldMappings)
	if err != nil {
		return fmt.Errorf("encode mappings: %w", err)
	}
	var action, instruction pgtype.Text
	if s.Fallback != nil {
		action, instruction = toPgText(string(s.Fallback.Action)), toPgText(s.Fallback.Instruction)
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO import_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())`,
		s.ID, string(s.EntityType), s.FileName, string(s.Status),
		s.TotalRecords, s.ProcessedRecords, s.SuccessfulRecords, s.FailedRecords,
		mappings, s.Confidence, s.ProcessingRate, s.EstimatedTimeRemaining.Milliseconds(),
		s.RetryCount, toPgText(s.ErrorMessage), action, instruction,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", s.ID, classify(err))
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*domain.ImportSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, domain.ErrSessionNotFound)
	}

	var (
		s                          domain.ImportSession
		entity, status             string
		mappings                   []byte
		etaMs                      int64
		errMsg, action, instruction pgtype.Text
	)
	err := p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM import_sessions WHERE id = $1`, id).Scan(
		&s.ID, &entity, &s.FileName, &status,
		&s.TotalRecords, &s.ProcessedRecords, &s.SuccessfulRecords, &s.FailedRecords,
		&mappings, &s.Confidence, &s.ProcessingRate, &etaMs, &s.RetryCount,
		&errMsg, &action, &instruction, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", id, domain.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, classify(err))
	}

	s.EntityType = domain.EntityType(entity)
	s.Status = domain.SessionStatus(status)
	s.EstimatedTimeRemaining = time.Duration(etaMs) * time.Millisecond
	s.ErrorMessage = errMsg.String
	if action.Valid {
		s.Fallback = &domain.Fallback{Action: domain.FallbackAction(action.String), Instruction: instruction.String}
	}
	if err := json.Unmarshal(mappings, &s.FieldMappings); err != nil {
		return nil, fmt.Errorf("decode mappings for %s: %w", id, err)
	}
	return &s, nil
}

func (p *Postgres) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, errMsg string) error {
	current, err := p.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.CanMoveTo(status) {
		return fmt.Errorf("session %s %s -> %s: %w", id, current.Status, status, domain.ErrTerminalState)
	}

	// the status predicate keeps a concurrent terminal write from being overwritten
	tag, err := p.db.Exec(ctx, `
		UPDATE import_sessions SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, string(status), toPgText(errMsg), string(current.Status))
	if err != nil {
		return fmt.Errorf("update session %s status: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return p.UpdateSessionStatus(ctx, id, status, errMsg)
	}
	return nil
}

func (p *Postgres) UpdateSessionProgress(ctx context.Context, id string, pr domain.Progress) error {
	_, err := p.db.Exec(ctx, `
		UPDATE import_sessions SET total_records = $2, processed_records = $3,
			successful_records = $4, failed_records = $5, processing_rate = $6,
			estimated_time_remaining = $7, updated_at = now()
		WHERE id = $1`,
		id, pr.TotalRecords, pr.ProcessedRecords, pr.SuccessfulRecords, pr.FailedRecords,
		pr.ProcessingRate, pr.EstimatedTimeRemaining.Milliseconds())
	if err != nil {
		return fmt.Errorf("update session %s progress: %w", id, classify(err))
	}
	return nil
}

func (p *Postgres) SetFallback(ctx context.Context, id string, f *domain.Fallback) error {
	var action, instruction pgtype.Text
	if f != nil {
		action, instruction = toPgText(string(f.Action)), toPgText(f.Instruction)
	}
	_, err := p.db.Exec(ctx, `
		UPDATE import_sessions SET fallback_action = $2, fallback_instruction = $3, updated_at = now()
		WHERE id = $1`, id, action, instruction)
	if err != nil {
		return fmt.Errorf("set fallback for %s: %w", id, classify(err))
	}
	return nil
}

func (p *Postgres) IncrementRetry(ctx context.Context, id string) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `
		UPDATE import_sessions SET retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1 RETURNING retry_count`, id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("increment retry %s: %w", id, domain.ErrSessionNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry %s: %w", id, classify(err))
	}
	return n, nil
}

func (p *Postgres) SaveMappings(ctx context.Context, id string, mappings []domain.FieldMapping, confidence float64) error {
	data, err := json.Marshal(mappings)
	if err != nil {
		return fmt.Errorf("encode mappings: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		UPDATE import_sessions SET field_mappings = $2, confidence = $3, updated_at = now()
		WHERE id = $1`, id, data, confidence)
	if err != nil {
		return fmt.Errorf("save mappings for %s: %w", id, classify(err))
	}
	return nil
}

func (p *Postgres) LoadMappings(ctx context.Context, id string) ([]domain.FieldMapping, error) {
	s, err := p.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.FieldMappings, nil
}

func (p *Postgres) CreateBatches(ctx context.Context, batches []domain.ImportBatch) error {
	if len(batches) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, ib := range batches {
		b.Queue(`
			INSERT INTO import_batches (session_id, batch_number, start_index, end_index,
				first_record, last_record, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ib.SessionID, ib.BatchNumber, ib.StartIndex, ib.EndIndex,
			ib.FirstRecord, ib.LastRecord, string(ib.Status))
	}
	if err := p.db.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("create batches: %w", classify(err))
	}
	return nil
}

func (p *Postgres) UpdateBatchStatus(ctx context.Context, sessionID string, batchNumber int, status domain.BatchStatus, m *domain.BatchMetrics) error {
	var err error
	if m == nil {
		_, err = p.db.Exec(ctx, `
			UPDATE import_batches SET status = $3 WHERE session_id = $1 AND batch_number = $2`,
			sessionID, batchNumber, string(status))
	} else {
		_, err = p.db.Exec(ctx, `
			UPDATE import_batches SET status = $3, success_count = $4, failure_count = $5,
				processing_time_ms = $6, error = $7
			WHERE session_id = $1 AND batch_number = $2`,
			sessionID, batchNumber, string(status), m.SuccessCount, m.FailureCount,
			m.ProcessingTime.Milliseconds(), toPgText(m.Error))
	}
	if err != nil {
		return fmt.Errorf("update batch %d of %s: %w", batchNumber, sessionID, classify(err))
	}
	return nil
}

func (p *Postgres) ListBatches(ctx context.Context, sessionID string) ([]domain.ImportBatch, error) {
	rows, err := p.db.Query(ctx, `
		SELECT session_id, batch_number, start_index, end_index, first_record, last_record,
			status, success_count,
			failure_count, processing_time_ms, error
		FROM import_batches WHERE session_id = $1 ORDER BY batch_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list batches of %s: %w", sessionID, classify(err))
	}
	defer rows.Close()

	var out []domain.ImportBatch
	for rows.Next() {
		var (
			b      domain.ImportBatch
			status string
			ms     int64
			errMsg pgtype.Text
		)
		if err := rows.Scan(&b.SessionID, &b.BatchNumber, &b.StartIndex, &b.EndIndex,
			&b.FirstRecord, &b.LastRecord, &status,
			&b.SuccessCount, &b.FailureCount, &ms, &errMsg); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Status = domain.BatchStatus(status)
		b.ProcessingTime = time.Duration(ms) * time.Millisecond
		b.Error = errMsg.String
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list batches of %s: %w", sessionID, classify(err))
	}
	return out, nil
}

func (p *Postgres) Insert(ctx context.Context, rec domain.Record) (string, error) {
	id := uuid.NewString()
	var err error

	switch r := rec.(type) {
	case domain.ProductRecord:
		var weight pgtype.Numeric
		if r.WeightKg != nil {
			weight = toPgNumeric(decimal.NewFromFloat(*r.WeightKg))
		}
		_, err = p.db.Exec(ctx, `
			INSERT INTO products (id, sku, name, description, price, currency, quantity, status,
				brand, category, weight_kg, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			id, r.SKU, r.Name, toPgText(r.Description), toPgNumeric(r.Price), r.Currency,
			r.Quantity, r.Status, toPgText(r.Brand), toPgText(r.Category), weight, r.Active)
	case domain.BrandRecord:
		_, err = p.db.Exec(ctx, `
			INSERT INTO brands (id, code, name, website, country, description)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, r.Code, r.Name, toPgText(r.Website), toPgText(r.Country), toPgText(r.Description))
	case domain.AttributeRecord:
		_, err = p.db.Exec(ctx, `
			INSERT INTO attributes (id, code, name, type, "values", unit, required)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, r.Code, r.Name, r.Type, r.Values, toPgText(r.Unit), r.Required)
	default:
		return "", fmt.Errorf("insert %T: %w", rec, domain.ErrUnknownEntityType)
	}
	if err != nil {
		return "", fmt.Errorf("insert %s %q: %w", rec.EntityType(), rec.NaturalKey(), classify(err))
	}
	return id, nil
}

var existsQueries = map[domain.EntityType]string{
	domain.EntityProduct:   `SELECT EXISTS (SELECT 1 FROM products WHERE lower(sku) = $1)`,
	domain.EntityBrand:     `SELECT EXISTS (SELECT 1 FROM brands WHERE lower(code) = $1)`,
	domain.EntityAttribute: `SELECT EXISTS (SELECT 1 FROM attributes WHERE lower(code) = $1)`,
}

func (p *Postgres) RecordExists(ctx context.Context, entity domain.EntityType, key string) (bool, error) {
	q, ok := existsQueries[entity]
	if !ok {
		return false, fmt.Errorf("record exists %q: %w", entity, domain.ErrUnknownEntityType)
	}
	var exists bool
	if err := p.db.QueryRow(ctx, q, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("record exists %s %q: %w", entity, key, classify(err))
	}
	return exists, nil
}

func (p *Postgres) AppendHistory(ctx context.Context, h domain.HistoryRecord) error {
	data, err := json.Marshal(h.RecordData)
	if err != nil {
		return fmt.Errorf("encode record data: %w", err)
	}
	var entityID pgtype.UUID
	if h.EntityID != "" {
		if err := entityID.Scan(h.EntityID); err != nil {
			return fmt.Errorf("entity id %q: %w", h.EntityID, err)
		}
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO import_history (session_id, record_index, record_data, import_status,
			entity_id, validation_errors)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.SessionID, h.RecordIndex, data, string(h.ImportStatus), entityID, h.ValidationErrors)
	if err != nil {
		return fmt.Errorf("append history %s/%d: %w", h.SessionID, h.RecordIndex, classify(err))
	}
	return nil
}

func (p *Postgres) ListHistory(ctx context.Context, sessionID string) ([]domain.HistoryRecord, error) {
	rows, err := p.db.Query(ctx, `
		SELECT session_id, record_index, record_data, import_status, entity_id,
			validation_errors, created_at
		FROM import_history WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list history of %s: %w", sessionID, classify(err))
	}
	defer rows.Close()

	var out []domain.HistoryRecord
	for rows.Next() {
		var (
			h        domain.HistoryRecord
			data     []byte
			status   string
			entityID pgtype.UUID
		)
		if err := rows.Scan(&h.SessionID, &h.RecordIndex, &data, &status, &entityID,
			&h.ValidationErrors, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal(data, &h.RecordData); err != nil {
			return nil, fmt.Errorf("decode record data: %w", err)
		}
		h.ImportStatus = domain.HistoryStatus(status)
		if entityID.Valid {
			h.EntityID = uuid.UUID(entityID.Bytes).String()
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history of %s: %w", sessionID, classify(err))
	}
	return out, nil
}

func (p *Postgres) LookupMapping(ctx context.Context, entity domain.EntityType, sourceField string) (string, bool, error) {
	var target string
	err := p.db.QueryRow(ctx, `
		SELECT target_field FROM mapping_history WHERE entity_type = $1 AND source_field = $2`,
		string(entity), mapping.NormalizeField(sourceField)).Scan(&target)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup mapping %q: %w", sourceField, classify(err))
	}
	return target, true, nil
}

// RememberMappings upserts approved mappings keyed by the normalized source field.
func (p *Postgres) RememberMappings(ctx context.Context, entity domain.EntityType, mappings []domain.FieldMapping) error {
	b := &pgx.Batch{}
	for _, m := range mappings {
		if !m.Approved {
			continue
		}
		b.Queue(`
			INSERT INTO mapping_history (entity_type, source_field, target_field)
			VALUES ($1, $2, $3)
			ON CONFLICT (entity_type, source_field)
			DO UPDATE SET target_field = EXCLUDED.target_field, updated_at = now()`,
			string(entity), mapping.NormalizeField(m.SourceField), m.TargetField)
	}
	if b.Len() == 0 {
		return nil
	}
	if err := p.db.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("remember mappings: %w", classify(err))
	}
	return nil
}
