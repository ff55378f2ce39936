package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliang/takopi-slack-plugin/pkg/domain"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain/session"
)

func openTestStore(t *testing.T) (*SessionStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSessionStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Get(domain.NewThreadKey("C1", "1.0"))
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestUpsertCreatesAndUpdates(t *testing.T) {
	store, _ := openTestStore(t)
	key := domain.NewThreadKey("C1", "1.0")

	created, err := store.Upsert(key, func(s *session.ThreadSession) {
		s.SetDirective("takopi", "main")
	})
	require.NoError(t, err)
	assert.Equal(t, "takopi", created.Project)

	updated, err := store.Upsert(key, func(s *session.ThreadSession) {
		s.SetResume("codex", "tok-1")
	})
	require.NoError(t, err)
	assert.Equal(t, "takopi", updated.Project)
	assert.Equal(t, "tok-1", updated.ResumeFor("codex"))
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	key := domain.NewThreadKey("C1", "1.0")

	store, err := OpenSessionStore(path)
	require.NoError(t, err)
	_, err = store.Upsert(key, func(s *session.ThreadSession) {
		s.SetDirective("takopi", "main")
		s.Overrides.Engine = "codex"
		s.SetResume("codex", "tok-9")
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSessionStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "takopi", got.Project)
	assert.Equal(t, "main", got.Branch)
	assert.Equal(t, "codex", got.Overrides.Engine)
	assert.Equal(t, "tok-9", got.ResumeFor("codex"))
}

func TestClearIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	key := domain.NewThreadKey("C1", "1.0")

	_, err := store.Upsert(key, func(s *session.ThreadSession) {})
	require.NoError(t, err)

	require.NoError(t, store.Clear(key))
	require.NoError(t, store.Clear(key)) // absent session is a no-op

	_, err = store.Get(key)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCorruptRecordTreatedAsAbsent(t *testing.T) {
	store, _ := openTestStore(t)
	key := domain.NewThreadKey("C1", "1.0")

	_, err := store.db.Exec(
		`INSERT INTO thread_sessions (thread_key, payload, updated_at) VALUES (?, ?, ?)`,
		key.String(), "{not json", "2026-01-01T00:00:00Z",
	)
	require.NoError(t, err)

	_, err = store.Get(key)
	assert.ErrorIs(t, err, session.ErrNotFound)

	// A fresh upsert recovers the slot.
	_, err = store.Upsert(key, func(s *session.ThreadSession) {
		s.SetDirective("takopi", "main")
	})
	require.NoError(t, err)
	got, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "takopi", got.Project)
}

func TestUnknownFieldsAreIgnored(t *testing.T) {
	store, _ := openTestStore(t)
	key := domain.NewThreadKey("C1", "1.0")

	payload := `{"project":"takopi","branch":"main","future_field":{"nested":true}}`
	_, err := store.db.Exec(
		`INSERT INTO thread_sessions (thread_key, payload, updated_at) VALUES (?, ?, ?)`,
		key.String(), payload, "2026-01-01T00:00:00Z",
	)
	require.NoError(t, err)

	got, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "takopi", got.Project)
	assert.Equal(t, key, got.Key) // backfilled from the row key
}

func TestListSkipsCorruptRows(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Upsert(domain.NewThreadKey("C1", "1.0"), func(s *session.ThreadSession) {
		s.SetDirective("a", "x")
	})
	require.NoError(t, err)
	_, err = store.db.Exec(
		`INSERT INTO thread_sessions (thread_key, payload, updated_at) VALUES (?, ?, ?)`,
		"C1:2.0", "garbage", "2026-01-01T00:00:00Z",
	)
	require.NoError(t, err)

	sessions, err := store.List()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "a", sessions[0].Project)
}

func TestGetReturnsCopies(t *testing.T) {
	store, _ := openTestStore(t)
	key := domain.NewThreadKey("C1", "1.0")

	_, err := store.Upsert(key, func(s *session.ThreadSession) {
		s.SetResume("codex", "tok")
	})
	require.NoError(t, err)

	first, err := store.Get(key)
	require.NoError(t, err)
	first.Resumes["codex"] = "mutated"

	second, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "tok", second.ResumeFor("codex"))
}
