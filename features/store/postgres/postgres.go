// Package postgres implements the persistence contracts on PostgreSQL via
// database/sql and lib/pq. Templates and workflow data live as jsonb
// documents in their parent rows; messages cascade-delete with their
// dialog and upsert by id so streaming re-saves never duplicate rows.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/store"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS dialogs (
	id UUID PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	goal TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	current_state TEXT NOT NULL,
	workflow_data JSONB NOT NULL,
	template JSONB NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	parent_id UUID REFERENCES messages(id),
	dialog_id UUID NOT NULL REFERENCES dialogs(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	model TEXT,
	text TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	mime_type TEXT NOT NULL DEFAULT 'text/plain',
	timestamp TIMESTAMPTZ NOT NULL,
	extra JSONB
);

CREATE INDEX IF NOT EXISTS messages_dialog_timestamp_idx
	ON messages (dialog_id, timestamp);
`

type (
	// Store aggregates the PostgreSQL repositories over one pool.
	Store struct {
		db *sql.DB
	}

	dialogStore  struct{}
	messageStore struct{}
)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

// EnsureSchema applies the DDL idempotently.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Dialogs returns the dialog repository.
func (s *Store) Dialogs() store.DialogStore { return dialogStore{} }

// Messages returns the message repository.
func (s *Store) Messages() store.MessageStore { return messageStore{} }

// Conn returns the pool for single-statement operations.
func (s *Store) Conn() store.Conn { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// InTx runs fn inside a transaction, rolling back on error.
func (s *Store) InTx(ctx context.Context, fn func(store.Conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Name implements clue health.Pinger.
func (s *Store) Name() string { return "postgres" }

// Ping implements clue health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (dialogStore) Create(ctx context.Context, conn store.Conn, d *dialog.Dialog) error {
	workflowData, err := json.Marshal(d.WorkflowData)
	if err != nil {
		return fmt.Errorf("marshal workflow data: %w", err)
	}
	template, err := json.Marshal(d.Template)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	row := conn.QueryRowContext(ctx, `
		INSERT INTO dialogs (id, description, goal, status, current_state, workflow_data, template, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		d.ID, d.Description, d.Goal, string(d.Status), d.CurrentState, workflowData, template, d.Error,
	)
	if err := row.Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
		return fmt.Errorf("insert dialog: %w", err)
	}
	return nil
}

func (dialogStore) GetByID(ctx context.Context, conn store.Conn, id string) (*dialog.Dialog, error) {
	row := conn.QueryRowContext(ctx, `
		SELECT id, description, goal, status, current_state, workflow_data, template, error, created_at, updated_at
		FROM dialogs WHERE id = $1`, id)
	d, err := scanDialog(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrDialogNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dialog: %w", err)
	}
	return d, nil
}

func (r dialogStore) GetWithMessages(ctx context.Context, conn store.Conn, id string) (*dialog.Dialog, error) {
	d, err := r.GetByID(ctx, conn, id)
	if err != nil {
		return nil, err
	}
	msgs, err := messageStore{}.GetByDialog(ctx, conn, id)
	if err != nil {
		return nil, err
	}
	d.Messages = msgs
	return d, nil
}

func (dialogStore) Update(ctx context.Context, conn store.Conn, id string, upd store.DialogUpdate) error {
	set := []string{"updated_at = now()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if upd.Status != nil {
		set = append(set, "status = "+arg(string(*upd.Status)))
	}
	if upd.CurrentState != nil {
		set = append(set, "current_state = "+arg(*upd.CurrentState))
	}
	if upd.WorkflowData != nil {
		raw, err := json.Marshal(upd.WorkflowData)
		if err != nil {
			return fmt.Errorf("marshal workflow data: %w", err)
		}
		set = append(set, "workflow_data = "+arg(raw))
	}
	if upd.Error != nil {
		set = append(set, "error = "+arg(*upd.Error))
	}
	query := "UPDATE dialogs SET " + strings.Join(set, ", ") + " WHERE id = " + arg(id)
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update dialog: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update dialog: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrDialogNotFound, id)
	}
	return nil
}

func (dialogStore) GetRecent(ctx context.Context, conn store.Conn, limit int) ([]*dialog.Dialog, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT id, description, goal, status, current_state, workflow_data, template, error, created_at, updated_at
		FROM dialogs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent dialogs: %w", err)
	}
	defer rows.Close()
	return collectDialogs(rows)
}

func (dialogStore) FilterByStatus(ctx context.Context, conn store.Conn, statuses []dialog.Status) ([]*dialog.Dialog, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT id, description, goal, status, current_state, workflow_data, template, error, created_at, updated_at
		FROM dialogs WHERE status = ANY($1) ORDER BY created_at DESC`, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("filter dialogs: %w", err)
	}
	defer rows.Close()
	return collectDialogs(rows)
}

func (messageStore) Upsert(ctx context.Context, conn store.Conn, m *dialog.Message) error {
	var extra []byte
	if m.Extra != nil {
		raw, err := json.Marshal(m.Extra)
		if err != nil {
			return fmt.Errorf("marshal extra: %w", err)
		}
		extra = raw
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	_, err := conn.ExecContext(ctx, `
		INSERT INTO messages (id, parent_id, dialog_id, role, model, text, status, mime_type, timestamp, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			status = EXCLUDED.status,
			model = EXCLUDED.model,
			parent_id = EXCLUDED.parent_id,
			extra = EXCLUDED.extra`,
		m.ID, nullable(m.ParentID), m.DialogID, string(m.Role), nullable(m.Model),
		m.Text, string(m.Status), m.MIMEType, m.Timestamp, extra,
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func (messageStore) GetByDialog(ctx context.Context, conn store.Conn, dialogID string) ([]*dialog.Message, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT id, parent_id, dialog_id, role, model, text, status, mime_type, timestamp, extra
		FROM messages WHERE dialog_id = $1 ORDER BY timestamp ASC`, dialogID)
	if err != nil {
		return nil, fmt.Errorf("dialog messages: %w", err)
	}
	defer rows.Close()

	var msgs []*dialog.Message
	for rows.Next() {
		var (
			m        dialog.Message
			parentID sql.NullString
			model    sql.NullString
			extra    []byte
		)
		if err := rows.Scan(&m.ID, &parentID, &m.DialogID, &m.Role, &model, &m.Text, &m.Status, &m.MIMEType, &m.Timestamp, &extra); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ParentID = parentID.String
		m.Model = model.String
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &m.Extra); err != nil {
				return nil, fmt.Errorf("unmarshal extra: %w", err)
			}
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dialog messages: %w", err)
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDialog(row rowScanner) (*dialog.Dialog, error) {
	var (
		d            dialog.Dialog
		workflowData []byte
		template     []byte
	)
	if err := row.Scan(&d.ID, &d.Description, &d.Goal, &d.Status, &d.CurrentState,
		&workflowData, &template, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(workflowData, &d.WorkflowData); err != nil {
		return nil, fmt.Errorf("unmarshal workflow data: %w", err)
	}
	if err := json.Unmarshal(template, &d.Template); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return &d, nil
}

func collectDialogs(rows *sql.Rows) ([]*dialog.Dialog, error) {
	var out []*dialog.Dialog
	for rows.Next() {
		d, err := scanDialog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dialog: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan dialogs: %w", err)
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
