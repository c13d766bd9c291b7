package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SQLStore implements all gateway repositories on database/sql. Statements use
// $n placeholders, which both the postgres driver and the sqlite dev fallback
// accept.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// InitSchema creates the gateway tables when they do not exist yet.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			display_name TEXT NOT NULL,
			status TEXT NOT NULL,
			supported_currencies TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			credentials TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS provider_configurations (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL REFERENCES providers(id),
			region TEXT NOT NULL,
			base_url TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			max_retries INTEGER NOT NULL DEFAULT 3,
			timeout_ms INTEGER NOT NULL DEFAULT 30000,
			ordinal INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS payment_transactions (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL,
			request_hash TEXT NOT NULL DEFAULT '',
			amount NUMERIC(18,2) NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			customer_id TEXT NOT NULL DEFAULT '',
			order_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			return_url TEXT NOT NULL DEFAULT '',
			cancel_url TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			provider_id TEXT NOT NULL REFERENCES providers(id),
			provider_name TEXT NOT NULL,
			provider_transaction_id TEXT NOT NULL DEFAULT '',
			payment_url TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			provider_error_code TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			correlation_id TEXT NOT NULL DEFAULT '',
			row_version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_idempotency
			ON payment_transactions(idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS refund_transactions (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL,
			payment_transaction_id TEXT NOT NULL REFERENCES payment_transactions(id),
			provider_id TEXT NOT NULL,
			provider_refund_id TEXT NOT NULL DEFAULT '',
			amount NUMERIC(19,4) NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			refund_type TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			row_version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_refund_idempotency
			ON refund_transactions(idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			raw_payload TEXT NOT NULL DEFAULT '',
			parsed_payload TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			signature_validated BOOLEAN NOT NULL DEFAULT FALSE,
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			processing_status TEXT NOT NULL,
			processing_attempts INTEGER NOT NULL DEFAULT 0,
			payment_transaction_id TEXT NOT NULL DEFAULT '',
			refund_transaction_id TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMP,
			failed_at TIMESTAMP,
			failure_reason TEXT NOT NULL DEFAULT '',
			next_retry_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_webhook_provider_event
			ON webhook_events(provider_id, provider_event_id)`,
		`CREATE INDEX IF NOT EXISTS ix_webhook_retry
			ON webhook_events(processing_status, next_retry_at)`,
		`CREATE TABLE IF NOT EXISTS transaction_logs (
			id TEXT PRIMARY KEY,
			payment_transaction_id TEXT NOT NULL,
			previous_status TEXT NOT NULL DEFAULT '',
			new_status TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			provider_response TEXT NOT NULL DEFAULT '',
			error_details TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// --- providers ---

func (s *SQLStore) Create(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	currencies, err := json.Marshal(p.SupportedCurrencies)
	if err != nil {
		return fmt.Errorf("marshal currencies: %w", err)
	}
	creds, err := json.Marshal(p.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, display_name, status, supported_currencies, priority, credentials, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Name, p.DisplayName, string(p.Status), string(currencies), p.Priority, string(creds), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}

	for i := range p.Configurations {
		cfg := &p.Configurations[i]
		cfg.ProviderID = p.ID
		if err := s.insertConfiguration(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) insertConfiguration(ctx context.Context, cfg *ProviderConfiguration) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_configurations (id, provider_id, region, base_url, active, max_retries, timeout_ms, ordinal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cfg.ID, cfg.ProviderID, cfg.Region, cfg.BaseURL, cfg.Active, cfg.MaxRetries, cfg.Timeout.Milliseconds(), cfg.Ordinal)
	if err != nil {
		return fmt.Errorf("insert provider configuration: %w", err)
	}
	return nil
}

const providerColumns = `id, name, display_name, status, supported_currencies, priority, credentials, created_at, updated_at, deleted_at`

func (s *SQLStore) scanProvider(row interface{ Scan(...any) error }) (*Provider, error) {
	var p Provider
	var currencies, creds string
	var deletedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, (*string)(&p.Status), &currencies, &p.Priority, &creds, &p.CreatedAt, &p.UpdatedAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan provider: %w", err)
	}
	if err := json.Unmarshal([]byte(currencies), &p.SupportedCurrencies); err != nil {
		return nil, fmt.Errorf("decode currencies: %w", err)
	}
	if err := json.Unmarshal([]byte(creds), &p.Credentials); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		p.DeletedAt = &t
	}
	return &p, nil
}

func (s *SQLStore) loadConfigurations(ctx context.Context, p *Provider) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, region, base_url, active, max_retries, timeout_ms, ordinal
		FROM provider_configurations WHERE provider_id = $1 ORDER BY ordinal ASC`, p.ID)
	if err != nil {
		return fmt.Errorf("query configurations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cfg ProviderConfiguration
		var timeoutMs int64
		if err := rows.Scan(&cfg.ID, &cfg.ProviderID, &cfg.Region, &cfg.BaseURL, &cfg.Active, &cfg.MaxRetries, &timeoutMs, &cfg.Ordinal); err != nil {
			return fmt.Errorf("scan configuration: %w", err)
		}
		cfg.Timeout = time.Duration(timeoutMs) * time.Millisecond
		p.Configurations = append(p.Configurations, cfg)
	}
	return rows.Err()
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = $1 AND deleted_at IS NULL`, id)
	p, err := s.scanProvider(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadConfigurations(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) GetByName(ctx context.Context, name string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE name = $1 AND deleted_at IS NULL`, name)
	p, err := s.scanProvider(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadConfigurations(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) ListAll(ctx context.Context) ([]*Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE deleted_at IS NULL ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range out {
		if err := s.loadConfigurations(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) ListActiveByCurrency(ctx context.Context, currency string) ([]*Provider, error) {
	// Currency membership is checked in memory: the column holds a JSON array
	// and the candidate set per currency is small.
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Provider
	for _, p := range all {
		if p.Status == ProviderActive && p.SupportsCurrency(currency) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *SQLStore) Update(ctx context.Context, p *Provider) error {
	p.UpdatedAt = time.Now().UTC()
	currencies, err := json.Marshal(p.SupportedCurrencies)
	if err != nil {
		return fmt.Errorf("marshal currencies: %w", err)
	}
	creds, err := json.Marshal(p.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE providers SET display_name = $1, status = $2, supported_currencies = $3, priority = $4, credentials = $5, updated_at = $6
		WHERE id = $7 AND deleted_at IS NULL`,
		p.DisplayName, string(p.Status), string(currencies), p.Priority, string(creds), p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM provider_configurations WHERE provider_id = $1`, p.ID); err != nil {
		return fmt.Errorf("replace configurations: %w", err)
	}
	for i := range p.Configurations {
		cfg := &p.Configurations[i]
		cfg.ProviderID = p.ID
		cfg.ID = ""
		if err := s.insertConfiguration(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status ProviderStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE providers SET status = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update provider status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE providers SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`, now, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- payment transactions ---

// Payments returns the payment repository view of the store.
func (s *SQLStore) Payments() PaymentRepository { return (*paymentSQL)(s) }

// Refunds returns the refund repository view of the store.
func (s *SQLStore) Refunds() RefundRepository { return (*refundSQL)(s) }

// Webhooks returns the webhook repository view of the store.
func (s *SQLStore) Webhooks() WebhookRepository { return (*webhookSQL)(s) }

// Logs returns the audit log repository view of the store.
func (s *SQLStore) Logs() LogRepository { return (*logSQL)(s) }

type paymentSQL SQLStore

const paymentColumns = `id, idempotency_key, request_hash, amount, currency, status, customer_id, order_id, description,
	return_url, cancel_url, metadata, provider_id, provider_name, provider_transaction_id, payment_url,
	error_message, provider_error_code, retry_count, correlation_id, row_version, created_at, updated_at, completed_at`

func (s *paymentSQL) Create(ctx context.Context, t *PaymentTransaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	t.RowVersion = 1

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		t.ID, t.IdempotencyKey, t.RequestHash, t.Amount.StringFixed(2), t.Currency, string(t.Status),
		t.CustomerID, t.OrderID, t.Description, t.ReturnURL, t.CancelURL, string(metadata),
		t.ProviderID, t.ProviderName, t.ProviderTransactionID, t.PaymentURL,
		t.ErrorMessage, t.ProviderErrorCode, t.RetryCount, t.CorrelationID, t.RowVersion,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *paymentSQL) scan(row interface{ Scan(...any) error }) (*PaymentTransaction, error) {
	var t PaymentTransaction
	var amount, metadata string
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.RequestHash, &amount, &t.Currency, (*string)(&t.Status),
		&t.CustomerID, &t.OrderID, &t.Description, &t.ReturnURL, &t.CancelURL, &metadata,
		&t.ProviderID, &t.ProviderName, &t.ProviderTransactionID, &t.PaymentURL,
		&t.ErrorMessage, &t.ProviderErrorCode, &t.RetryCount, &t.CorrelationID, &t.RowVersion,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

func (s *paymentSQL) GetByID(ctx context.Context, id string) (*PaymentTransaction, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1`, id))
}

func (s *paymentSQL) GetByIdempotencyKey(ctx context.Context, key string) (*PaymentTransaction, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE idempotency_key = $1`, key))
}

func (s *paymentSQL) GetByProviderTransactionID(ctx context.Context, providerTxID string) (*PaymentTransaction, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE provider_transaction_id = $1`, providerTxID))
}

func (s *paymentSQL) Update(ctx context.Context, t *PaymentTransaction) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	prevVersion := t.RowVersion
	t.RowVersion++
	t.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions SET
			status = $1, metadata = $2, provider_transaction_id = $3, payment_url = $4,
			error_message = $5, provider_error_code = $6, retry_count = $7,
			row_version = $8, updated_at = $9, completed_at = $10
		WHERE id = $11 AND row_version = $12`,
		string(t.Status), string(metadata), t.ProviderTransactionID, t.PaymentURL,
		t.ErrorMessage, t.ProviderErrorCode, t.RetryCount,
		t.RowVersion, t.UpdatedAt, t.CompletedAt, t.ID, prevVersion)
	if err != nil {
		t.RowVersion = prevVersion
		return fmt.Errorf("update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t.RowVersion = prevVersion
		return ErrConcurrentModification
	}
	return nil
}

// --- refund transactions ---

type refundSQL SQLStore

const refundColumns = `id, idempotency_key, payment_transaction_id, provider_id, provider_refund_id, amount, currency,
	status, refund_type, reason, error_message, correlation_id, row_version, created_at, updated_at, completed_at`

func (s *refundSQL) Create(ctx context.Context, r *RefundTransaction) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	r.RowVersion = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refund_transactions (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.IdempotencyKey, r.PaymentTransactionID, r.ProviderID, r.ProviderRefundID,
		r.Amount.StringFixed(4), r.Currency, string(r.Status), string(r.RefundType),
		r.Reason, r.ErrorMessage, r.CorrelationID, r.RowVersion, r.CreatedAt, r.UpdatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (s *refundSQL) scan(row interface{ Scan(...any) error }) (*RefundTransaction, error) {
	var r RefundTransaction
	var amount string
	var completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.IdempotencyKey, &r.PaymentTransactionID, &r.ProviderID, &r.ProviderRefundID,
		&amount, &r.Currency, (*string)(&r.Status), (*string)(&r.RefundType),
		&r.Reason, &r.ErrorMessage, &r.CorrelationID, &r.RowVersion, &r.CreatedAt, &r.UpdatedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan refund: %w", err)
	}
	r.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	if completedAt.Valid {
		ts := completedAt.Time
		r.CompletedAt = &ts
	}
	return &r, nil
}

func (s *refundSQL) GetByID(ctx context.Context, id string) (*RefundTransaction, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refund_transactions WHERE id = $1`, id))
}

func (s *refundSQL) GetByIdempotencyKey(ctx context.Context, key string) (*RefundTransaction, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refund_transactions WHERE idempotency_key = $1`, key))
}

func (s *refundSQL) ListByPayment(ctx context.Context, paymentID string) ([]*RefundTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refund_transactions WHERE payment_transaction_id = $1 ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("query refunds: %w", err)
	}
	defer rows.Close()

	var out []*RefundTransaction
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *refundSQL) Update(ctx context.Context, r *RefundTransaction) error {
	prevVersion := r.RowVersion
	r.RowVersion++
	r.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE refund_transactions SET
			status = $1, provider_refund_id = $2, error_message = $3,
			row_version = $4, updated_at = $5, completed_at = $6
		WHERE id = $7 AND row_version = $8`,
		string(r.Status), r.ProviderRefundID, r.ErrorMessage,
		r.RowVersion, r.UpdatedAt, r.CompletedAt, r.ID, prevVersion)
	if err != nil {
		r.RowVersion = prevVersion
		return fmt.Errorf("update refund: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.RowVersion = prevVersion
		return ErrConcurrentModification
	}
	return nil
}

// --- webhook events ---

type webhookSQL SQLStore

const webhookColumns = `id, provider_id, provider_event_id, event_type, raw_payload, parsed_payload, signature,
	signature_validated, ip_address, user_agent, processing_status, processing_attempts,
	payment_transaction_id, refund_transaction_id, processed_at, failed_at, failure_reason, next_retry_at, created_at`

func (s *webhookSQL) Create(ctx context.Context, e *WebhookEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.ID, e.ProviderID, e.ProviderEventID, e.EventType, e.RawPayload, e.ParsedPayload, e.Signature,
		e.SignatureValidated, e.IPAddress, e.UserAgent, string(e.ProcessingStatus), e.ProcessingAttempts,
		e.PaymentID, e.RefundID, e.ProcessedAt, e.FailedAt, e.FailureReason, e.NextRetryAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *webhookSQL) scan(row interface{ Scan(...any) error }) (*WebhookEvent, error) {
	var e WebhookEvent
	var processedAt, failedAt, nextRetryAt sql.NullTime
	err := row.Scan(&e.ID, &e.ProviderID, &e.ProviderEventID, &e.EventType, &e.RawPayload, &e.ParsedPayload, &e.Signature,
		&e.SignatureValidated, &e.IPAddress, &e.UserAgent, (*string)(&e.ProcessingStatus), &e.ProcessingAttempts,
		&e.PaymentID, &e.RefundID, &processedAt, &failedAt, &e.FailureReason, &nextRetryAt, &e.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan webhook event: %w", err)
	}
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		e.FailedAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		e.NextRetryAt = &t
	}
	return &e, nil
}

func (s *webhookSQL) GetByID(ctx context.Context, id string) (*WebhookEvent, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id))
}

func (s *webhookSQL) GetByProviderEventID(ctx context.Context, providerID, providerEventID string) (*WebhookEvent, error) {
	return s.scan(s.db.QueryRowContext(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE provider_id = $1 AND provider_event_id = $2 AND processing_status != $3
		ORDER BY created_at ASC LIMIT 1`,
		providerID, providerEventID, string(WebhookDuplicate)))
}

func (s *webhookSQL) Update(ctx context.Context, e *WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET
			event_type = $1, parsed_payload = $2, processing_status = $3, processing_attempts = $4,
			payment_transaction_id = $5, refund_transaction_id = $6,
			processed_at = $7, failed_at = $8, failure_reason = $9, next_retry_at = $10
		WHERE id = $11`,
		e.EventType, e.ParsedPayload, string(e.ProcessingStatus), e.ProcessingAttempts,
		e.PaymentID, e.RefundID, e.ProcessedAt, e.FailedAt, e.FailureReason, e.NextRetryAt, e.ID)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	return nil
}

func (s *webhookSQL) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE processing_status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at ASC LIMIT $3`,
		string(WebhookFailed), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query retryable webhooks: %w", err)
	}
	defer rows.Close()

	var out []*WebhookEvent
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *webhookSQL) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup webhook events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- transaction logs ---

type logSQL SQLStore

func (s *logSQL) Append(ctx context.Context, l *TransactionLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_logs (id, payment_transaction_id, previous_status, new_status, event_type, message, provider_response, error_details, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.PaymentTransactionID, l.PreviousStatus, l.NewStatus, l.EventType,
		l.Message, l.ProviderResponse, l.ErrorDetails, l.CorrelationID, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transaction log: %w", err)
	}
	return nil
}

func (s *logSQL) ListByPayment(ctx context.Context, paymentID string) ([]*TransactionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_transaction_id, previous_status, new_status, event_type, message, provider_response, error_details, correlation_id, created_at
		FROM transaction_logs WHERE payment_transaction_id = $1 ORDER BY created_at ASC, id ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("query transaction logs: %w", err)
	}
	defer rows.Close()

	var out []*TransactionLog
	for rows.Next() {
		var l TransactionLog
		if err := rows.Scan(&l.ID, &l.PaymentTransactionID, &l.PreviousStatus, &l.NewStatus, &l.EventType,
			&l.Message, &l.ProviderResponse, &l.ErrorDetails, &l.CorrelationID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
