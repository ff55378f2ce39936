// Package persistence provides the SQLite-backed implementation of the
// thread-session repository. It is the infrastructure adapter for
// session.Repository: one durable key-value record set keyed by thread id,
// with a write-through in-memory cache. The database is the sole
// authoritative copy of conversational context.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/richardliang/takopi-slack-plugin/pkg/domain"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain/session"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
)

// ErrPersistence wraps a failed flush. The triggering mutation did not
// happen; the caller must not assume the update was applied.
var ErrPersistence = errors.New("session store flush failed")

const schema = `
CREATE TABLE IF NOT EXISTS thread_sessions (
	thread_key TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SessionStore is the SQLite-backed session.Repository. Records are stored
// as JSON payloads so the schema stays forward-compatible: unknown fields
// in a persisted record are ignored on read, never a parse failure.
//
// The store expects a single writer process. Per-thread serialization of
// read-modify-write cycles is the caller's job (the dispatch layer holds
// the per-thread lock); the store's own mutex only guards its internals.
type SessionStore struct {
	db    *sql.DB
	mu    sync.Mutex
	cache map[string]*session.ThreadSession
}

// OpenSessionStore opens (creating if needed) the database at path.
func OpenSessionStore(path string) (*SessionStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session store: %w", err)
	}
	return &SessionStore{
		db:    db,
		cache: make(map[string]*session.ThreadSession),
	}, nil
}

// Close releases the database handle.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Get implements session.Repository.
func (s *SessionStore) Get(key domain.ThreadKey) (*session.ThreadSession, error) {
	s.mu.Lock()
	if cached, ok := s.cache[key.String()]; ok {
		s.mu.Unlock()
		return cached.Clone(), nil
	}
	s.mu.Unlock()

	sess, err := s.load(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[key.String()] = sess
	s.mu.Unlock()
	return sess.Clone(), nil
}

// Upsert implements session.Repository. The mutation runs on a scratch
// copy; the copy is committed to the cache only after the flush succeeds,
// so a PersistenceError leaves the prior state intact.
func (s *SessionStore) Upsert(key domain.ThreadKey, mutate func(*session.ThreadSession)) (*session.ThreadSession, error) {
	current, err := s.Get(key)
	if errors.Is(err, session.ErrNotFound) {
		current = session.New(key)
	} else if err != nil {
		return nil, err
	}

	next := current.Clone()
	mutate(next)
	next.UpdatedAt = domain.Now()

	if err := s.flush(next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.mu.Lock()
	s.cache[key.String()] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

// Clear implements session.Repository. Clearing an absent session is a
// no-op; subsequent messages behave as a fresh thread.
func (s *SessionStore) Clear(key domain.ThreadKey) error {
	if _, err := s.db.Exec(`DELETE FROM thread_sessions WHERE thread_key = ?`, key.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.mu.Lock()
	delete(s.cache, key.String())
	s.mu.Unlock()
	return nil
}

// List implements session.Repository. Corrupt rows are skipped with a
// warning rather than failing the whole scan.
func (s *SessionStore) List() ([]*session.ThreadSession, error) {
	rows, err := s.db.Query(`SELECT thread_key, payload FROM thread_sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.ThreadSession
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess, err := decode(key, payload)
		if err != nil {
			logger.WarnCF("sessions", "skipping unparsable session record", map[string]interface{}{
				"thread_key": key,
				"error":      err.Error(),
			})
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

var _ session.Repository = (*SessionStore)(nil)

// load reads one record from disk. An unparsable record is treated as
// absent (cold-start recovery) with a logged warning rather than a crash.
func (s *SessionStore) load(key domain.ThreadKey) (*session.ThreadSession, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM thread_sessions WHERE thread_key = ?`, key.String(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}

	sess, err := decode(key.String(), payload)
	if err != nil {
		logger.WarnCF("sessions", "treating unparsable session record as absent", map[string]interface{}{
			"thread_key": key.String(),
			"error":      err.Error(),
		})
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// flush writes the record synchronously before the mutation is considered
// applied.
func (s *SessionStore) flush(sess *session.ThreadSession) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO thread_sessions (thread_key, payload, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(thread_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		sess.Key.String(), string(payload), sess.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	)
	return err
}

func decode(key, payload string) (*session.ThreadSession, error) {
	var sess session.ThreadSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, err
	}
	if sess.Key.IsZero() {
		parsed, err := domain.ParseThreadKey(key)
		if err != nil {
			return nil, err
		}
		sess.Key = parsed
	}
	return &sess, nil
}
