// Package store defines the persistence contracts for dialogs and messages.
// Repositories take a caller-supplied Conn so callers control transaction
// scope; Store.InTx provides the transaction boundary used by the engine's
// save discipline.
package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/parleyhq/parley/runtime/dialog"
)

var (
	// ErrDialogNotFound indicates no dialog row exists for the id.
	ErrDialogNotFound = errors.New("dialog not found")
	// ErrMessageNotFound indicates no message row exists for the id.
	ErrMessageNotFound = errors.New("message not found")
)

type (
	// Conn is the querier shared by *sql.DB and *sql.Tx. Repository methods
	// take it first so the same method runs standalone or inside a
	// transaction. Non-SQL backends ignore it.
	Conn interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
		QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
		QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	}

	// DialogUpdate is a partial update of a dialog row. Nil fields are left
	// untouched; updated_at is always set by the store.
	DialogUpdate struct {
		Status       *dialog.Status
		CurrentState *string
		WorkflowData *dialog.WorkflowData
		Error        *string
	}

	// DialogStore is the dialog repository contract.
	DialogStore interface {
		// Create inserts the dialog and fills in store-assigned timestamps.
		Create(ctx context.Context, conn Conn, d *dialog.Dialog) error
		// GetByID returns the dialog without its messages.
		GetByID(ctx context.Context, conn Conn, id string) (*dialog.Dialog, error)
		// GetWithMessages returns the dialog with messages ordered by
		// timestamp ascending.
		GetWithMessages(ctx context.Context, conn Conn, id string) (*dialog.Dialog, error)
		// Update applies a partial update.
		Update(ctx context.Context, conn Conn, id string, upd DialogUpdate) error
		// GetRecent returns up to limit dialogs, newest first by created_at.
		GetRecent(ctx context.Context, conn Conn, limit int) ([]*dialog.Dialog, error)
		// FilterByStatus returns dialogs in any of the statuses, newest first.
		FilterByStatus(ctx context.Context, conn Conn, statuses []dialog.Status) ([]*dialog.Dialog, error)
	}

	// MessageStore is the message repository contract.
	MessageStore interface {
		// Upsert inserts the message or, on id conflict, updates text,
		// status, model, parent linkage and extra. Streaming relies on this
		// to extend assistant text without duplicating rows.
		Upsert(ctx context.Context, conn Conn, m *dialog.Message) error
		// GetByDialog returns the dialog's messages ordered by timestamp
		// ascending.
		GetByDialog(ctx context.Context, conn Conn, dialogID string) ([]*dialog.Message, error)
	}

	// Store aggregates the repositories with the transaction boundary.
	Store interface {
		Dialogs() DialogStore
		Messages() MessageStore
		// Conn returns the pool-level Conn for single-statement operations
		// outside a transaction. Non-SQL backends return nil.
		Conn() Conn
		// InTx runs fn inside a transaction. fn receives the transaction
		// Conn; an error rolls back, nil commits.
		InTx(ctx context.Context, fn func(Conn) error) error
		Close() error
	}
)

// KeyedMutex serializes saves for the same dialog id within a process.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for the key and returns its unlock function.
// Entries are reference counted and removed when the last holder unlocks.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
