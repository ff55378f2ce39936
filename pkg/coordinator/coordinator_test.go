package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliang/takopi-slack-plugin/pkg/directive"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain"
	runmodel "github.com/richardliang/takopi-slack-plugin/pkg/domain/run"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain/session"
	"github.com/richardliang/takopi-slack-plugin/pkg/engine"
	"github.com/richardliang/takopi-slack-plugin/pkg/keyedlock"
	"github.com/richardliang/takopi-slack-plugin/pkg/outbox"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeRunner struct {
	mu        sync.Mutex
	events    chan engine.Event
	submitted []engine.Request
	cancelled []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{events: make(chan engine.Event, 16)}
}

func (f *fakeRunner) Submit(ctx context.Context, req engine.Request) (<-chan engine.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return f.events, nil
}

func (f *fakeRunner) Cancel(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
}

func (f *fakeRunner) lastRequest(t *testing.T) engine.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.submitted)
	return f.submitted[len(f.submitted)-1]
}

type memRepo struct {
	mu sync.Mutex
	m  map[string]*session.ThreadSession
}

func newMemRepo() *memRepo {
	return &memRepo{m: make(map[string]*session.ThreadSession)}
}

func (r *memRepo) Get(key domain.ThreadKey) (*session.ThreadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[key.String()]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *memRepo) Upsert(key domain.ThreadKey, mutate func(*session.ThreadSession)) (*session.ThreadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[key.String()]
	if !ok {
		s = session.New(key)
	}
	next := s.Clone()
	mutate(next)
	r.m[key.String()] = next
	return next.Clone(), nil
}

func (r *memRepo) Clear(key domain.ThreadKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, key.String())
	return nil
}

func (r *memRepo) List() ([]*session.ThreadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.ThreadSession, 0, len(r.m))
	for _, s := range r.m {
		out = append(out, s.Clone())
	}
	return out, nil
}

// captureAPI records outbound deliveries for assertions.
type captureAPI struct {
	mu      sync.Mutex
	posts   []string
	updates []string
}

func (c *captureAPI) PostMessage(ctx context.Context, channel, threadTS, text string, controls []outbox.Control) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, text)
	return "ts-1", nil
}

func (c *captureAPI) UpdateMessage(ctx context.Context, channel, ts, text string, controls []outbox.Control) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, text)
	return nil
}

func (c *captureAPI) DeleteMessage(ctx context.Context, channel, ts string) error { return nil }
func (c *captureAPI) PostEphemeral(ctx context.Context, channel, user, text string) error {
	return nil
}

func (c *captureAPI) lastUpdate() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.updates) == 0 {
		return ""
	}
	return c.updates[len(c.updates)-1]
}

func (c *captureAPI) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	coord  *Coordinator
	runner *fakeRunner
	repo   *memRepo
	api    *captureAPI
	ob     *outbox.Outbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runner := newFakeRunner()
	repo := newMemRepo()
	api := &captureAPI{}
	ob := outbox.New(api, outbox.NewRenderer(outbox.OverflowSplit, 3900))
	t.Cleanup(ob.Close)
	return &fixture{
		coord:  New(runner, ob, repo, keyedlock.NewMap(), "takopi"),
		runner: runner,
		repo:   repo,
		api:    api,
		ob:     ob,
	}
}

func threadKey() domain.ThreadKey { return domain.NewThreadKey("C1", "1.0") }

func startRun(t *testing.T, f *fixture) {
	t.Helper()
	err := f.coord.Start(context.Background(), StartRequest{
		Key:       threadKey(),
		UserID:    "U1",
		Prompt:    "fix the bug",
		Directive: &directive.Directive{Project: "takopi", Branch: "main"},
	})
	require.NoError(t, err)
}

func waitIdle(t *testing.T, f *fixture) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !f.coord.Busy(threadKey())
	}, 2*time.Second, 5*time.Millisecond)
	f.ob.Flush()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStartCreatesSessionFromDirective(t *testing.T) {
	f := newFixture(t)
	startRun(t, f)

	sess, err := f.repo.Get(threadKey())
	require.NoError(t, err)
	assert.Equal(t, "takopi", sess.Project)
	assert.Equal(t, "main", sess.Branch)
	assert.Equal(t, "U1", sess.OwnerUserID)

	req := f.runner.lastRequest(t)
	assert.Equal(t, "takopi", req.Project)
	assert.Equal(t, "fix the bug", req.Prompt)
}

func TestSecondStartOnBusyThreadRejected(t *testing.T) {
	f := newFixture(t)
	startRun(t, f)

	err := f.coord.Start(context.Background(), StartRequest{
		Key:    threadKey(),
		UserID: "U2",
		Prompt: "another thing",
	})
	assert.ErrorIs(t, err, ErrThreadBusy)
}

func TestReplyWithoutSessionRejected(t *testing.T) {
	f := newFixture(t)
	err := f.coord.Start(context.Background(), StartRequest{
		Key:    threadKey(),
		UserID: "U1",
		Prompt: "no directive, no session",
	})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestReplyReusesStoredSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.Upsert(threadKey(), func(s *session.ThreadSession) {
		s.SetDirective("takopi", "main")
		s.SetResume("takopi", "tok-7")
	})
	require.NoError(t, err)

	err = f.coord.Start(context.Background(), StartRequest{
		Key:    threadKey(),
		UserID: "U1",
		Prompt: "now add a test",
	})
	require.NoError(t, err)

	req := f.runner.lastRequest(t)
	assert.Equal(t, "takopi", req.Project)
	assert.Equal(t, "main", req.Branch)
	assert.Equal(t, "tok-7", req.ResumeToken)
}

func TestProgressThenResultLifecycle(t *testing.T) {
	f := newFixture(t)
	startRun(t, f)

	f.runner.events <- engine.Event{Kind: engine.EventProgress, Text: "[run] compiling"}
	f.runner.events <- engine.Event{Kind: engine.EventResult, Text: "all done", ResumeToken: "tok-1"}
	close(f.runner.events)
	waitIdle(t, f)

	// One progress message, later edited to the final result.
	f.api.mu.Lock()
	posts := append([]string(nil), f.api.posts...)
	f.api.mu.Unlock()
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0], "working")
	assert.Contains(t, posts[0], "[run] compiling")

	final := f.api.lastUpdate()
	assert.Contains(t, final, "done")
	assert.Contains(t, final, "all done")

	sess, err := f.repo.Get(threadKey())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", sess.ResumeFor("takopi"))
}

func TestEngineErrorLeavesSessionIntact(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.Upsert(threadKey(), func(s *session.ThreadSession) {
		s.SetDirective("takopi", "main")
		s.SetResume("takopi", "tok-old")
	})
	require.NoError(t, err)

	err = f.coord.Start(context.Background(), StartRequest{
		Key: threadKey(), UserID: "U1", Prompt: "try this",
	})
	require.NoError(t, err)

	f.runner.events <- engine.Event{Kind: engine.EventError, Text: "engine exploded"}
	close(f.runner.events)
	waitIdle(t, f)

	sess, err := f.repo.Get(threadKey())
	require.NoError(t, err)
	assert.Equal(t, "tok-old", sess.ResumeFor("takopi"), "failed run must not touch the resume token")

	// A new run in the thread is admitted after the failure.
	f.runner.events = make(chan engine.Event, 1)
	err = f.coord.Start(context.Background(), StartRequest{
		Key: threadKey(), UserID: "U1", Prompt: "retry",
	})
	assert.NoError(t, err)
}

func TestCancelCommitsImmediately(t *testing.T) {
	f := newFixture(t)
	startRun(t, f)

	f.runner.events <- engine.Event{Kind: engine.EventProgress, Text: "[run] step one"}
	require.Eventually(t, func() bool {
		_, ok := f.ob.LookupByTS("C1", "ts-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	run, ok := f.coord.RunForHandle(mustHandle(t, f))
	require.True(t, ok)
	require.NoError(t, f.coord.Cancel(run.ID))

	assert.Equal(t, runmodel.StatusCancelled, run.Status)
	f.runner.mu.Lock()
	assert.Equal(t, []string{run.ID}, f.runner.cancelled)
	f.runner.mu.Unlock()

	// Progress arriving after cancellation produces no further edits.
	f.ob.Flush()
	before := f.api.updateCount()
	f.runner.events <- engine.Event{Kind: engine.EventProgress, Text: "[run] too late"}
	close(f.runner.events)
	time.Sleep(50 * time.Millisecond)
	f.ob.Flush()
	assert.Equal(t, before, f.api.updateCount())

	assert.Contains(t, f.api.lastUpdate(), "cancelled")
}

func TestCancelUnknownRun(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.coord.Cancel("nope"), ErrRunNotFound)
}

func TestFailAllActiveOnOutage(t *testing.T) {
	f := newFixture(t)
	startRun(t, f)
	f.runner.events <- engine.Event{Kind: engine.EventProgress, Text: "[run] working"}

	require.Eventually(t, func() bool {
		f.api.mu.Lock()
		defer f.api.mu.Unlock()
		return len(f.api.posts) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.coord.FailAllActive("connection lost")
	close(f.runner.events)
	waitIdle(t, f)

	assert.False(t, f.coord.Busy(threadKey()))
	assert.Contains(t, f.api.lastUpdate(), "failed")
	assert.Contains(t, f.api.lastUpdate(), "connection lost")
}

func TestResultWithoutProgressPostsDirectly(t *testing.T) {
	f := newFixture(t)
	startRun(t, f)

	f.runner.events <- engine.Event{Kind: engine.EventResult, Text: "quick answer", ResumeToken: "tok"}
	close(f.runner.events)
	waitIdle(t, f)

	f.api.mu.Lock()
	defer f.api.mu.Unlock()
	require.Len(t, f.api.posts, 1)
	assert.Contains(t, f.api.posts[0], "quick answer")
	assert.Empty(t, f.api.updates)
}

func TestStreamEndWithoutTerminalEventFailsRun(t *testing.T) {
	f := newFixture(t)
	startRun(t, f)

	f.runner.events <- engine.Event{Kind: engine.EventProgress, Text: "[run] going"}
	close(f.runner.events)
	waitIdle(t, f)

	assert.Contains(t, f.api.lastUpdate(), "failed")
}

func mustHandle(t *testing.T, f *fixture) outbox.Handle {
	t.Helper()
	h, ok := f.ob.LookupByTS("C1", "ts-1")
	require.True(t, ok)
	return h
}

func TestConcurrentAdmissionSingleWinner(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.Upsert(threadKey(), func(s *session.ThreadSession) {
		s.SetDirective("takopi", "main")
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var busy, started int32
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.coord.Start(context.Background(), StartRequest{
				Key: threadKey(), UserID: "U1", Prompt: "race",
			})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrThreadBusy) {
				busy++
			} else if err == nil {
				started++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), started)
	assert.Equal(t, int32(9), busy)
}

func TestBusyPollsSafelyWhileRunFinalizes(t *testing.T) {
	f := newFixture(t)
	startRun(t, f)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.coord.Busy(threadKey())
			}
		}
	}()

	f.runner.events <- engine.Event{Kind: engine.EventProgress, Text: "[run] step"}
	f.runner.events <- engine.Event{Kind: engine.EventResult, Text: "done"}
	waitIdle(t, f)
	close(stop)
	wg.Wait()

	assert.False(t, f.coord.Busy(threadKey()))
}

func TestFinishedRunReleasesHandleMapping(t *testing.T) {
	f := newFixture(t)
	startRun(t, f)

	f.runner.events <- engine.Event{Kind: engine.EventProgress, Text: "[run] step"}
	require.Eventually(t, func() bool {
		_, ok := f.ob.LookupByTS("C1", "ts-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	h := mustHandle(t, f)
	_, ok := f.coord.RunForHandle(h)
	require.True(t, ok)

	f.runner.events <- engine.Event{Kind: engine.EventResult, Text: "done"}
	waitIdle(t, f)

	_, ok = f.coord.RunForHandle(h)
	assert.False(t, ok, "terminal runs release their handle mapping")
}

func TestProgressHeaderFormat(t *testing.T) {
	p := &progressState{engine: "takopi", project: "proj", branch: "main", startedAt: time.Now().Add(-65 * time.Second)}
	p.add("[ok] read file")
	text := p.renderProgress(time.Now())
	assert.True(t, strings.HasPrefix(text, "working · takopi · 1m 05s · step 1"))
	assert.Contains(t, text, "[ok] read file")
	assert.Contains(t, text, "`proj` @ `main`")
}

func TestProgressKeepsRecentLines(t *testing.T) {
	p := &progressState{engine: "takopi", startedAt: time.Now()}
	for _, line := range []string{"one", "two", "three", "four", "five", "six"} {
		p.add(line)
	}
	text := p.renderProgress(time.Now())
	assert.NotContains(t, text, "one")
	assert.Contains(t, text, "two")
	assert.Contains(t, text, "six")
	assert.Contains(t, text, "step 6")
}
