// Package inmem implements the persistence contracts in memory. Entities
// are deep-copied on the way in and out so callers never alias stored
// state. Transactions snapshot the maps and restore them on error. Used by
// tests and single-process development.
package inmem

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/store"
)

type (
	// Store holds dialogs and messages in maps guarded by one mutex.
	Store struct {
		mu       sync.Mutex
		dialogs  map[string]*dialog.Dialog
		messages map[string][]*dialog.Message
	}

	dialogStore  struct{ s *Store }
	messageStore struct{ s *Store }

	// txConn marks repository calls made inside InTx so they skip
	// re-locking. Its querier methods are never used.
	txConn struct{}
)

var errNotSQL = errors.New("inmem: not a SQL connection")

func (txConn) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errNotSQL
}
func (txConn) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errNotSQL
}
func (txConn) QueryRowContext(context.Context, string, ...any) *sql.Row { return nil }

// New creates an empty store.
func New() *Store {
	return &Store{
		dialogs:  make(map[string]*dialog.Dialog),
		messages: make(map[string][]*dialog.Message),
	}
}

// Dialogs returns the dialog repository.
func (s *Store) Dialogs() store.DialogStore { return &dialogStore{s: s} }

// Messages returns the message repository.
func (s *Store) Messages() store.MessageStore { return &messageStore{s: s} }

// Conn returns nil; the in-memory store ignores connections.
func (s *Store) Conn() store.Conn { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// InTx runs fn under the store mutex. An error restores the pre-tx
// snapshot, mimicking a rollback.
func (s *Store) InTx(ctx context.Context, fn func(store.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapDialogs := make(map[string]*dialog.Dialog, len(s.dialogs))
	for k, v := range s.dialogs {
		snapDialogs[k] = v
	}
	snapMessages := make(map[string][]*dialog.Message, len(s.messages))
	for k, v := range s.messages {
		snapMessages[k] = append([]*dialog.Message(nil), v...)
	}
	if err := fn(txConn{}); err != nil {
		s.dialogs = snapDialogs
		s.messages = snapMessages
		return err
	}
	return nil
}

// locked runs fn under the store mutex unless already inside InTx.
func (s *Store) locked(conn store.Conn, fn func() error) error {
	if _, inTx := conn.(txConn); inTx {
		return fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (r *dialogStore) Create(ctx context.Context, conn store.Conn, d *dialog.Dialog) error {
	return r.s.locked(conn, func() error {
		if _, exists := r.s.dialogs[d.ID]; exists {
			return fmt.Errorf("dialog %s already exists", d.ID)
		}
		now := time.Now().UTC()
		d.CreatedAt = now
		d.UpdatedAt = now
		r.s.dialogs[d.ID] = cloneDialog(d)
		return nil
	})
}

func (r *dialogStore) GetByID(ctx context.Context, conn store.Conn, id string) (*dialog.Dialog, error) {
	var out *dialog.Dialog
	err := r.s.locked(conn, func() error {
		d, ok := r.s.dialogs[id]
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrDialogNotFound, id)
		}
		out = cloneDialog(d)
		return nil
	})
	return out, err
}

func (r *dialogStore) GetWithMessages(ctx context.Context, conn store.Conn, id string) (*dialog.Dialog, error) {
	var out *dialog.Dialog
	err := r.s.locked(conn, func() error {
		d, ok := r.s.dialogs[id]
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrDialogNotFound, id)
		}
		out = cloneDialog(d)
		out.Messages = cloneMessages(r.s.messages[id])
		sort.SliceStable(out.Messages, func(i, j int) bool {
			return out.Messages[i].Timestamp.Before(out.Messages[j].Timestamp)
		})
		return nil
	})
	return out, err
}

func (r *dialogStore) Update(ctx context.Context, conn store.Conn, id string, upd store.DialogUpdate) error {
	return r.s.locked(conn, func() error {
		stored, ok := r.s.dialogs[id]
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrDialogNotFound, id)
		}
		// Stored values are replaced, never mutated, so transaction
		// snapshots stay intact.
		d := cloneDialog(stored)
		if upd.Status != nil {
			d.Status = *upd.Status
		}
		if upd.CurrentState != nil {
			d.CurrentState = *upd.CurrentState
		}
		if upd.WorkflowData != nil {
			d.WorkflowData = cloneWorkflowData(upd.WorkflowData)
		}
		if upd.Error != nil {
			d.Error = *upd.Error
		}
		d.UpdatedAt = time.Now().UTC()
		r.s.dialogs[id] = d
		return nil
	})
}

func (r *dialogStore) GetRecent(ctx context.Context, conn store.Conn, limit int) ([]*dialog.Dialog, error) {
	var out []*dialog.Dialog
	err := r.s.locked(conn, func() error {
		for _, d := range r.s.dialogs {
			out = append(out, cloneDialog(d))
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (r *dialogStore) FilterByStatus(ctx context.Context, conn store.Conn, statuses []dialog.Status) ([]*dialog.Dialog, error) {
	want := make(map[dialog.Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	var out []*dialog.Dialog
	err := r.s.locked(conn, func() error {
		for _, d := range r.s.dialogs {
			if _, ok := want[d.Status]; ok {
				out = append(out, cloneDialog(d))
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
		return nil
	})
	return out, err
}

func (r *messageStore) Upsert(ctx context.Context, conn store.Conn, m *dialog.Message) error {
	return r.s.locked(conn, func() error {
		if _, ok := r.s.dialogs[m.DialogID]; !ok {
			return fmt.Errorf("%w: %s", store.ErrDialogNotFound, m.DialogID)
		}
		msgs := r.s.messages[m.DialogID]
		for i, existing := range msgs {
			if existing.ID == m.ID {
				msgs[i] = cloneMessage(m)
				return nil
			}
		}
		r.s.messages[m.DialogID] = append(msgs, cloneMessage(m))
		return nil
	})
}

func (r *messageStore) GetByDialog(ctx context.Context, conn store.Conn, dialogID string) ([]*dialog.Message, error) {
	var out []*dialog.Message
	err := r.s.locked(conn, func() error {
		out = cloneMessages(r.s.messages[dialogID])
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Timestamp.Before(out[j].Timestamp)
		})
		return nil
	})
	return out, err
}

// cloneDialog deep-copies via JSON; the Messages field is excluded by its
// tag and handled separately.
func cloneDialog(d *dialog.Dialog) *dialog.Dialog {
	raw, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("inmem: clone dialog: %v", err))
	}
	var out dialog.Dialog
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("inmem: clone dialog: %v", err))
	}
	return &out
}

func cloneWorkflowData(w *dialog.WorkflowData) *dialog.WorkflowData {
	raw, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("inmem: clone workflow data: %v", err))
	}
	var out dialog.WorkflowData
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("inmem: clone workflow data: %v", err))
	}
	return &out
}

func cloneMessage(m *dialog.Message) *dialog.Message {
	raw, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("inmem: clone message: %v", err))
	}
	var out dialog.Message
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("inmem: clone message: %v", err))
	}
	return &out
}

func cloneMessages(msgs []*dialog.Message) []*dialog.Message {
	out := make([]*dialog.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out
}
