package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/postalq/mailflow/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS mail_pieces (
	id                     TEXT PRIMARY KEY,
	owner_id               TEXT NOT NULL,
	status                 TEXT NOT NULL,
	payment_status         TEXT NOT NULL,
	payment_reference      TEXT NOT NULL DEFAULT '',
	provider_id            TEXT NOT NULL DEFAULT '',
	provider_status        TEXT NOT NULL DEFAULT '',
	tracking_number        TEXT NOT NULL DEFAULT '',
	cost_cents             BIGINT NOT NULL DEFAULT 0,
	to_address             TEXT NOT NULL DEFAULT '',
	from_address           TEXT NOT NULL DEFAULT '',
	document_url           TEXT NOT NULL DEFAULT '',
	kind                   TEXT NOT NULL DEFAULT '',
	class                  TEXT NOT NULL DEFAULT '',
	requires_manual_review BOOLEAN NOT NULL DEFAULT FALSE,
	review_reason          TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS mail_pieces_provider_id_idx ON mail_pieces (provider_id) WHERE provider_id <> '';
CREATE INDEX IF NOT EXISTS mail_pieces_stuck_idx ON mail_pieces (created_at) WHERE status = 'pending_payment';

CREATE TABLE IF NOT EXISTS status_history (
	id              UUID PRIMARY KEY,
	mail_piece_id   TEXT NOT NULL REFERENCES mail_pieces (id) ON DELETE CASCADE,
	status          TEXT NOT NULL,
	previous_status TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL,
	raw_payload     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS status_history_piece_idx ON status_history (mail_piece_id, created_at);
`

const pieceColumns = `id, owner_id, status, payment_status, payment_reference,
	provider_id, provider_status, tracking_number, cost_cents,
	to_address, from_address, document_url, kind, class,
	requires_manual_review, review_reason, created_at`

const insertHistory = `
	INSERT INTO status_history (id, mail_piece_id, status, previous_status, description, source, raw_payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Postgres is the database-backed Store.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres, configures the pool, verifies the
// connection, and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, persistError{op: "open", err: err}
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, persistError{op: "ping", err: err}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, persistError{op: "migrate", err: err}
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing connection pool. The schema must already
// exist.
func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

var _ Store = (*Postgres)(nil)

// Close releases the connection pool.
func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) Create(ctx context.Context, p model.MailPiece) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mail_pieces (`+pieceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.OwnerID, p.Status, p.PaymentStatus, p.PaymentReference,
		p.ProviderID, p.ProviderStatus, p.TrackingNumber, p.CostCents,
		p.ToAddress, p.FromAddress, p.DocumentURL, p.Kind, p.Class,
		p.RequiresManualReview, p.ReviewReason, p.CreatedAt)
	if err != nil {
		return persistError{op: "create", err: err}
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (model.MailPiece, error) {
	return s.getWhere(ctx, "id = $1", id)
}

func (s *Postgres) GetByOwner(ctx context.Context, id, ownerID string) (model.MailPiece, error) {
	return s.getWhere(ctx, "id = $1 AND owner_id = $2", id, ownerID)
}

func (s *Postgres) GetByProviderID(ctx context.Context, providerID string) (model.MailPiece, error) {
	return s.getWhere(ctx, "provider_id = $1 AND provider_id <> ''", providerID)
}

func (s *Postgres) getWhere(ctx context.Context, where string, args ...any) (model.MailPiece, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pieceColumns+` FROM mail_pieces WHERE `+where, args...)
	p, err := scanPiece(row)
	if errors.Is(err, sql.ErrNoRows) {
		id := ""
		if len(args) > 0 {
			id, _ = args[0].(string)
		}
		return model.MailPiece{}, NotFound(id)
	}
	if err != nil {
		return model.MailPiece{}, persistError{op: "get", err: err}
	}
	return p, nil
}

// MarkPaid is the pending_payment -> paid compare-and-swap. The WHERE
// clause is the race arbiter: exactly one concurrent caller can match it.
func (s *Postgres) MarkPaid(ctx context.Context, id, paymentRef string, entry model.StatusHistoryEntry) (model.MailPiece, bool, error) {
	var updated model.MailPiece
	swapped := false
	err := s.inTx(ctx, "mark paid", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE mail_pieces
			SET payment_status = $2,
			    status = $3,
			    payment_reference = CASE WHEN $4 <> '' THEN $4 ELSE payment_reference END
			WHERE id = $1
			  AND payment_status = $5
			  AND status = $6
			  AND provider_id = ''
			RETURNING `+pieceColumns,
			id, model.PaymentPaid, model.StatusPaid, paymentRef,
			model.PaymentPending, model.StatusPendingPayment)
		p, err := scanPiece(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // zero rows: another caller won
		}
		if err != nil {
			return err
		}
		if err := execHistory(ctx, tx, id, entry); err != nil {
			return err
		}
		updated, swapped = p, true
		return nil
	})
	if err != nil {
		return model.MailPiece{}, false, err
	}
	return updated, swapped, nil
}

func (s *Postgres) MarkSubmitted(ctx context.Context, id string, sub Submission, entry model.StatusHistoryEntry) (model.MailPiece, bool, error) {
	var updated model.MailPiece
	swapped := false
	err := s.inTx(ctx, "mark submitted", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE mail_pieces
			SET provider_id = $2,
			    provider_status = $3,
			    tracking_number = $4,
			    cost_cents = $5,
			    status = $6
			WHERE id = $1
			  AND provider_id = ''
			  AND payment_status = $7
			RETURNING `+pieceColumns,
			id, sub.ProviderID, sub.ProviderStatus, sub.TrackingNumber,
			sub.CostCents, model.StatusSubmitted, model.PaymentPaid)
		p, err := scanPiece(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := execHistory(ctx, tx, id, entry); err != nil {
			return err
		}
		updated, swapped = p, true
		return nil
	})
	if err != nil {
		return model.MailPiece{}, false, err
	}
	return updated, swapped, nil
}

func (s *Postgres) UpdateStatus(ctx context.Context, id string, from, to model.Status, upd StatusUpdate, entry model.StatusHistoryEntry) (bool, error) {
	swapped := false
	err := s.inTx(ctx, "update status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE mail_pieces
			SET status = $3,
			    provider_status = CASE WHEN $4 <> '' THEN $4 ELSE provider_status END,
			    tracking_number = CASE WHEN $5 <> '' THEN $5 ELSE tracking_number END
			WHERE id = $1 AND status = $2`,
			id, from, to, upd.ProviderStatus, upd.TrackingNumber)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := execHistory(ctx, tx, id, entry); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *Postgres) FlagManualReview(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_pieces SET requires_manual_review = TRUE, review_reason = $2 WHERE id = $1`,
		id, reason)
	if err != nil {
		return persistError{op: "flag manual review", err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NotFound(id)
	}
	return nil
}

func (s *Postgres) ListStuckPending(ctx context.Context, lookback time.Duration, limit int) ([]model.MailPiece, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pieceColumns+`
		FROM mail_pieces
		WHERE status = $1
		  AND payment_status = $2
		  AND payment_reference <> ''
		  AND created_at > now() - $3::interval
		ORDER BY created_at
		LIMIT $4`,
		model.StatusPendingPayment, model.PaymentPending,
		lookback.String(), limit)
	if err != nil {
		return nil, persistError{op: "list stuck", err: err}
	}
	defer rows.Close()

	var out []model.MailPiece
	for rows.Next() {
		p, err := scanPiece(rows)
		if err != nil {
			return nil, persistError{op: "scan stuck", err: err}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistError{op: "list stuck", err: err}
	}
	return out, nil
}

func (s *Postgres) History(ctx context.Context, id string) ([]model.StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mail_piece_id, status, previous_status, description, source, raw_payload, created_at
		FROM status_history
		WHERE mail_piece_id = $1
		ORDER BY created_at`, id)
	if err != nil {
		return nil, persistError{op: "history", err: err}
	}
	defer rows.Close()

	var out []model.StatusHistoryEntry
	for rows.Next() {
		var e model.StatusHistoryEntry
		if err := rows.Scan(&e.ID, &e.MailPieceID, &e.Status, &e.PreviousStatus,
			&e.Description, &e.Source, &e.RawPayload, &e.CreatedAt); err != nil {
			return nil, persistError{op: "scan history", err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistError{op: "history", err: err}
	}
	return out, nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Postgres) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistError{op: op, err: err}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return persistError{op: op, err: err}
	}
	if err := tx.Commit(); err != nil {
		return persistError{op: op, err: err}
	}
	return nil
}

func execHistory(ctx context.Context, tx *sql.Tx, pieceID string, entry model.StatusHistoryEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, insertHistory,
		id, pieceID, entry.Status, entry.PreviousStatus,
		entry.Description, entry.Source, entry.RawPayload)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPiece(row rowScanner) (model.MailPiece, error) {
	var p model.MailPiece
	err := row.Scan(&p.ID, &p.OwnerID, &p.Status, &p.PaymentStatus, &p.PaymentReference,
		&p.ProviderID, &p.ProviderStatus, &p.TrackingNumber, &p.CostCents,
		&p.ToAddress, &p.FromAddress, &p.DocumentURL, &p.Kind, &p.Class,
		&p.RequiresManualReview, &p.ReviewReason, &p.CreatedAt)
	return p, err
}
