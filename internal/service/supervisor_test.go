package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/service"

	"github.com/stretchr/testify/require"
)

// gatedExecutor blocks every run until released.
type gatedExecutor struct {
	mx      sync.Mutex
	started chan string
	gates   map[string]chan struct{}
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		started: make(chan string, 16),
		gates:   make(map[string]chan struct{}),
	}
}

func (e *gatedExecutor) gate(id string) chan struct{} {
	e.mx.Lock()
	defer e.mx.Unlock()
	ch, ok := e.gates[id]
	if !ok {
		ch = make(chan struct{})
		e.gates[id] = ch
	}
	return ch
}

func (e *gatedExecutor) Execute(ctx context.Context, rec *model.RunRecord) {
	gate := e.gate(rec.ID)
	e.started <- rec.ID
	select {
	case <-gate:
	case <-ctx.Done():
		rec.Record(ctx.Err())
	}
	rec.Close(time.Now(), nil)
}

func (e *gatedExecutor) release(id string) {
	close(e.gate(id))
}

// instantExecutor finishes every run immediately.
type instantExecutor struct {
	err error
}

func (e instantExecutor) Execute(_ context.Context, rec *model.RunRecord) {
	rec.AddResult(model.ScanResult{Tool: "bandit", Status: model.ScanPassed})
	rec.Record(e.err)
	rec.Close(time.Now(), nil)
}

type notifier struct {
	mx   sync.Mutex
	runs []model.RunRecord
}

func (n *notifier) Notify(_ context.Context, rec model.RunRecord) error {
	n.mx.Lock()
	defer n.mx.Unlock()
	n.runs = append(n.runs, rec)
	return nil
}

func (n *notifier) ids() []string {
	n.mx.Lock()
	defer n.mx.Unlock()
	var ret []string
	for _, r := range n.runs {
		ret = append(ret, r.ID)
	}
	return ret
}

func serviceConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Service.Mode = model.ServiceModeService
	cfg.Triggers.Schedule = nil
	return cfg
}

func startSupervisor(t *testing.T, s *service.Supervisor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		require.NoError(t, s.Do(ctx))
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return cancel
}

func waitStatus(t *testing.T, s *service.Supervisor, id string, status model.RunStatus) model.RunRecord {
	t.Helper()
	var rec model.RunRecord
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = s.History().Get(id)
		return ok && rec.Status == status
	}, 5*time.Second, 10*time.Millisecond, "run %s is not %s", id, status)
	return rec
}

func TestSupervisor_LatestWins(t *testing.T) {
	t.Parallel()
	exec := newGatedExecutor()
	n := &notifier{}
	s, err := service.NewSupervisor(serviceConfig(), exec)
	require.NoError(t, err)
	s.WithNotifiers(n).WithMetrics(service.NewMetrics())
	startSupervisor(t, s)

	push := model.Event{Kind: model.EventPush, Branch: "develop"}
	ctx := t.Context()

	r1, err := s.Dispatch(ctx, push)
	require.NoError(t, err)
	require.True(t, r1.Decision.Admit)
	require.True(t, r1.Started)
	require.Equal(t, r1.RunID, <-exec.started)

	r2, err := s.Dispatch(ctx, push)
	require.NoError(t, err)
	require.False(t, r2.Started)
	require.Empty(t, r2.Superseded)
	waitStatus(t, s, r2.RunID, model.RunStatusQueued)

	r3, err := s.Dispatch(ctx, push)
	require.NoError(t, err)
	require.False(t, r3.Started)
	require.Equal(t, r2.RunID, r3.Superseded)
	waitStatus(t, s, r2.RunID, model.RunStatusSuperseded)

	// other branch runs concurrently
	rel, err := s.Dispatch(ctx, model.Event{Kind: model.EventPush, Branch: "releases/1.0"})
	require.NoError(t, err)
	require.True(t, rel.Started)
	require.Equal(t, rel.RunID, <-exec.started)

	ignored, err := s.Dispatch(ctx, model.Event{Kind: model.EventPush, Branch: "feature/x"})
	require.NoError(t, err)
	require.False(t, ignored.Decision.Admit)
	require.Empty(t, ignored.RunID)

	running := waitStatus(t, s, r1.RunID, model.RunStatusRunning)
	require.Equal(t, "develop", running.Ref)

	exec.release(r1.RunID)
	require.Equal(t, r3.RunID, <-exec.started, "pending run starts when the running one finishes")
	waitStatus(t, s, r1.RunID, model.RunStatusSucceeded)

	exec.release(r3.RunID)
	exec.release(rel.RunID)
	waitStatus(t, s, r3.RunID, model.RunStatusSucceeded)
	waitStatus(t, s, rel.RunID, model.RunStatusSucceeded)
	require.ElementsMatch(t, []string{r1.RunID, rel.RunID, r3.RunID}, n.ids())

	runs := s.History().List("develop")
	require.Len(t, runs, 3)
	require.Equal(t, r3.RunID, runs[0].ID, "newest first")
}

func TestSupervisor_UnknownEvent(t *testing.T) {
	t.Parallel()
	s, err := service.NewSupervisor(serviceConfig(), instantExecutor{})
	require.NoError(t, err)
	startSupervisor(t, s)

	_, err = s.Dispatch(t.Context(), model.Event{Kind: "tag"})
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, err, model.ErrUnknownEvent)
}

func TestSupervisor_Stopped(t *testing.T) {
	t.Parallel()
	s, err := service.NewSupervisor(serviceConfig(), instantExecutor{})
	require.NoError(t, err)
	cancel := startSupervisor(t, s)
	cancel()

	require.Eventually(t, func() bool {
		_, err := s.Dispatch(t.Context(), model.Event{Kind: model.EventManual})
		return errors.Is(err, service.ErrStopped)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisor_Shutdown(t *testing.T) {
	t.Parallel()
	exec := newGatedExecutor()
	s, err := service.NewSupervisor(serviceConfig(), exec)
	require.NoError(t, err)
	cancel := startSupervisor(t, s)

	d, err := s.Dispatch(t.Context(), model.Event{Kind: model.EventManual})
	require.NoError(t, err)
	<-exec.started
	queued, err := s.Dispatch(t.Context(), model.Event{Kind: model.EventManual})
	require.NoError(t, err)
	require.False(t, queued.Started)

	cancel()
	rec := waitStatus(t, s, d.RunID, model.RunStatusCancelled)
	require.True(t, rec.Failed)
	waitStatus(t, s, queued.RunID, model.RunStatusCancelled)
}

func TestSupervisor_Oneshot(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func(*model.Config)
		exec     service.Executor
		then     error
	}{
		{"succeeded", func(*model.Config) {}, instantExecutor{}, nil},
		{"failed", func(*model.Config) {}, instantExecutor{err: &model.ProvisionError{Err: errors.New("no space left")}}, service.ErrRunFailed},
		{"manual disabled", func(cfg *model.Config) { cfg.Triggers.Manual = false }, instantExecutor{}, service.ErrNotAdmitted},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := model.DefaultConfig()
			tc.given(&cfg)
			n := &notifier{}
			s, err := service.NewSupervisor(cfg, tc.exec)
			require.NoError(t, err)
			s.WithNotifiers(n)

			err = s.Do(t.Context())
			if tc.then == nil {
				require.NoError(t, err)
				require.Len(t, n.ids(), 1)
				runs := s.History().List("")
				require.Len(t, runs, 1)
				require.Equal(t, model.EventManual, runs[0].Event.Kind)
				require.Equal(t, "main", runs[0].Ref)
				return
			}
			require.ErrorIs(t, err, tc.then)
		})
	}
}

func TestSupervisor_OneshotCancelled(t *testing.T) {
	t.Parallel()
	exec := newGatedExecutor()
	n := &notifier{}
	s, err := service.NewSupervisor(model.DefaultConfig(), exec)
	require.NoError(t, err)
	s.WithNotifiers(n)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errs := make(chan error, 1)
	go func() {
		errs <- s.Do(ctx)
	}()

	id := <-exec.started
	cancel()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, service.ErrRunFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after the run was cancelled")
	}
	rec, ok := s.History().Get(id)
	require.True(t, ok)
	require.Equal(t, model.RunStatusCancelled, rec.Status)
	require.True(t, rec.Failed)
	require.Equal(t, []string{id}, n.ids())
}

func TestSupervisor_Cron(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the next minute")
	}
	t.Parallel()
	cfg := serviceConfig()
	cfg.Triggers.Schedule = &model.Schedule{Cron: "* * * * *"}
	s, err := service.NewSupervisor(cfg, instantExecutor{})
	require.NoError(t, err)
	startSupervisor(t, s)

	require.Eventually(t, func() bool {
		for _, rec := range s.History().List("main") {
			if rec.Event.Kind == model.EventScheduled && rec.Status == model.RunStatusSucceeded {
				return true
			}
		}
		return false
	}, 70*time.Second, 100*time.Millisecond)
}

func TestHistory(t *testing.T) {
	t.Parallel()
	h := service.NewHistory(2)
	for _, id := range []string{"a", "b", "c"} {
		h.Put(*model.NewRunRecord(id, model.Event{Kind: model.EventManual}, "main", now))
	}
	_, ok := h.Get("a")
	require.False(t, ok, "oldest run is evicted")
	rec, ok := h.Get("c")
	require.True(t, ok)
	require.Equal(t, model.RunStatusRunning, rec.Status)

	runs := h.List("")
	require.Len(t, runs, 2)
	require.Equal(t, "c", runs[0].ID)
	require.Empty(t, h.List("develop"))
}
