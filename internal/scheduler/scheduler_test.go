package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"groupcast/internal/dispatch"
	"groupcast/internal/model"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

type call struct {
	message string
	targets []string
	at      time.Time
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []call
	fn    func(n int, targets []model.Target) (model.DispatchResult, error)
}

func (f *fakeDispatcher) Broadcast(_ context.Context, message string, targets []model.Target) (model.DispatchResult, error) {
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{message: message, targets: names, at: time.Now()})
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(n, targets)
	}
	return model.DispatchResult{Sent: names}, nil
}

func (f *fakeDispatcher) setFn(fn func(n int, targets []model.Target) (model.DispatchResult, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeDispatcher) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeAuth struct{ ok atomic.Bool }

func (f *fakeAuth) EnsureAuthenticated(context.Context, time.Duration) error {
	if f.ok.Load() {
		return nil
	}
	return fmt.Errorf("%w: scan the code", model.ErrNotAuthenticated)
}

type staticTargets []model.Target

func (s staticTargets) Targets() []model.Target { return s }

type harness struct {
	svc   *Service
	store storage.Store
	disp  *fakeDispatcher
	auth  *fakeAuth
}

func fastConfig() Config {
	return Config{
		MinLead:          time.Millisecond,
		MissedFireDelay:  5 * time.Millisecond,
		ResumeDelay:      5 * time.Millisecond,
		AuthPollInterval: 10 * time.Millisecond,
		AuthWaitMax:      time.Minute,
		AuthProbeTimeout: 50 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, seed ...model.Schedule) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "schedules.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, sc := range seed {
		if err := st.Append(ctx, sc); err != nil {
			t.Fatalf("seed %s: %v", sc.ID, err)
		}
	}
	h := &harness{store: st, disp: &fakeDispatcher{}, auth: &fakeAuth{}}
	h.auth.ok.Store(true)
	h.svc, err = New(cfg, Deps{
		Store:      st,
		Dispatcher: h.disp,
		Auth:       h.auth,
		Targets:    staticTargets{{Name: "A"}, {Name: "B", Suffix: "#b"}, {Name: "C"}},
		Log:        logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.svc.Stop(ctx)
		_ = st.Close()
	})
	return h
}

func (h *harness) waitStatus(t *testing.T, id string, want model.Status) model.Schedule {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last model.Schedule
	for time.Now().Before(deadline) {
		sc, err := h.store.Get(context.Background(), id)
		if err == nil && sc.Status == want {
			return sc
		}
		last = sc
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("schedule %s status = %q, want %q", id, last.Status, want)
	return last
}

func TestCreateValidatesWindow(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name    string
		message string
		runAt   time.Time
	}{
		{"too soon", "hi", now.Add(10 * time.Second)},
		{"in the past", "hi", now.Add(-time.Minute)},
		{"beyond horizon", "hi", now.Add(31 * 24 * time.Hour)},
		{"empty message", " \n ", now.Add(time.Hour)},
		{"zero time", "hi", time.Time{}},
	}
	for _, tt := range tests {
		if _, err := h.svc.Create(ctx, tt.message, tt.runAt); !errors.Is(err, model.ErrInvalidInput) {
			t.Fatalf("%s: Create() error = %v, want ErrInvalidInput", tt.name, err)
		}
	}

	sc, err := h.svc.Create(ctx, "hello", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sc.Status != model.StatusPending || sc.ID == "" || sc.CreatedAt.IsZero() {
		t.Fatalf("Create() = %+v", sc)
	}
	if got, _ := h.store.Get(ctx, sc.ID); got.Message != "hello" {
		t.Fatalf("stored schedule = %+v", got)
	}
	if h.svc.armedCount() != 1 {
		t.Fatalf("armed timers = %d, want 1", h.svc.armedCount())
	}
}

func TestScheduleFiresAndSends(t *testing.T) {
	h := newHarness(t, fastConfig())
	runAt := time.Now().Add(30 * time.Millisecond)
	sc, err := h.svc.Create(context.Background(), "hello", runAt)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got := h.waitStatus(t, sc.ID, model.StatusSent)
	if !reflect.DeepEqual(got.SentTargets, []string{"A", "B", "C"}) || len(got.FailedTargets) != 0 || got.Error != "" {
		t.Fatalf("sent schedule = %+v", got)
	}
	calls := h.disp.snapshot()
	if len(calls) != 1 || calls[0].message != "hello" {
		t.Fatalf("dispatch calls = %+v", calls)
	}
	if calls[0].at.Before(runAt) {
		t.Fatalf("fired at %v, before runAt %v", calls[0].at, runAt)
	}
}

func TestPartialFailureMarksFailed(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.disp.setFn(func(_ int, _ []model.Target) (model.DispatchResult, error) {
		return model.DispatchResult{
			Sent:   []string{"A", "C"},
			Failed: []model.FailedTarget{{Target: "B", Error: "chat not found"}},
		}, nil
	})
	sc, _ := h.svc.Create(context.Background(), "hello", time.Now().Add(10*time.Millisecond))

	got := h.waitStatus(t, sc.ID, model.StatusFailed)
	if !reflect.DeepEqual(got.SentTargets, []string{"A", "C"}) {
		t.Fatalf("sentTargets = %v", got.SentTargets)
	}
	if len(got.FailedTargets) != 1 || got.FailedTargets[0].Target != "B" {
		t.Fatalf("failedTargets = %+v", got.FailedTargets)
	}
	if !strings.HasPrefix(got.Error, "1 of 3 targets failed: B: chat not found") {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestDispatchErrorMarksFailed(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.disp.setFn(func(int, []model.Target) (model.DispatchResult, error) {
		return model.DispatchResult{}, errors.New("browser crashed")
	})
	sc, _ := h.svc.Create(context.Background(), "hello", time.Now().Add(10*time.Millisecond))

	got := h.waitStatus(t, sc.ID, model.StatusFailed)
	if got.Error != "browser crashed" {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()
	sc, _ := h.svc.Create(ctx, "hello", time.Now().Add(60*time.Millisecond))

	got, err := h.svc.Cancel(ctx, sc.ID)
	if err != nil || got.Status != model.StatusCancelled {
		t.Fatalf("Cancel() = %+v, %v", got, err)
	}
	if h.svc.armedCount() != 0 {
		t.Fatalf("timer still armed after cancel")
	}
	time.Sleep(120 * time.Millisecond)
	if n := len(h.disp.snapshot()); n != 0 {
		t.Fatalf("cancelled schedule dispatched %d times", n)
	}

	if _, err := h.svc.Cancel(ctx, sc.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("Cancel(cancelled) error = %v, want ErrInvalidState", err)
	}
	if _, err := h.svc.Cancel(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Cancel(missing) error = %v, want ErrNotFound", err)
	}

	sent, _ := h.svc.Create(ctx, "later", time.Now().Add(5*time.Millisecond))
	h.waitStatus(t, sent.ID, model.StatusSent)
	if _, err := h.svc.Cancel(ctx, sent.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("Cancel(sent) error = %v, want ErrInvalidState", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	h.disp.setFn(func(_ int, targets []model.Target) (model.DispatchResult, error) {
		close(entered)
		<-release
		return model.DispatchResult{Sent: []string{"A", "B", "C"}}, nil
	})
	busy, _ := h.svc.Create(ctx, "busy", time.Now().Add(5*time.Millisecond))
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		close(release)
		t.Fatalf("dispatch never started")
	}
	h.waitStatus(t, busy.ID, model.StatusRunning)
	_, err = h.svc.Cancel(ctx, busy.ID)
	close(release)
	if !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("Cancel(running) error = %v, want ErrInvalidState", err)
	}
	h.waitStatus(t, busy.ID, model.StatusSent)
}

func TestLongDelayIsClampedAndRearmed(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxTimerDelay = 15 * time.Millisecond
	h := newHarness(t, cfg)

	runAt := time.Now().Add(80 * time.Millisecond)
	sc, _ := h.svc.Create(context.Background(), "hello", runAt)
	h.waitStatus(t, sc.ID, model.StatusSent)

	calls := h.disp.snapshot()
	if len(calls) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(calls))
	}
	if calls[0].at.Before(runAt) {
		t.Fatalf("fired %v early", runAt.Sub(calls[0].at))
	}
}

func TestNotAuthenticatedParksThenResumes(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.auth.ok.Store(false)
	h.disp.setFn(func(_ int, targets []model.Target) (model.DispatchResult, error) {
		if !h.auth.ok.Load() {
			return model.DispatchResult{}, fmt.Errorf("%w: qr pending", model.ErrNotAuthenticated)
		}
		var r model.DispatchResult
		for _, t := range targets {
			r.Sent = append(r.Sent, t.Name)
		}
		return r, nil
	})

	sc, _ := h.svc.Create(context.Background(), "hello", time.Now().Add(5*time.Millisecond))
	parked := h.waitStatus(t, sc.ID, model.StatusWaitingAuth)
	if parked.WaitingAuthSince == nil || parked.Error == "" {
		t.Fatalf("parked schedule = %+v", parked)
	}

	h.auth.ok.Store(true)
	got := h.waitStatus(t, sc.ID, model.StatusSent)
	if got.WaitingAuthSince != nil || got.Error != "" {
		t.Fatalf("resumed schedule = %+v", got)
	}
	if !reflect.DeepEqual(got.SentTargets, []string{"A", "B", "C"}) {
		t.Fatalf("sentTargets = %v", got.SentTargets)
	}
}

func TestAuthLostMidBatchResumesRemainingTargets(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.disp.setFn(func(n int, targets []model.Target) (model.DispatchResult, error) {
		if n == 1 {
			return model.DispatchResult{Sent: []string{"A"}}, &dispatch.AuthLostError{
				Partial: model.DispatchResult{Sent: []string{"A"}},
				Target:  "B",
				Err:     model.ErrNotAuthenticated,
			}
		}
		var r model.DispatchResult
		for _, t := range targets {
			r.Sent = append(r.Sent, t.Name)
		}
		return r, nil
	})

	sc, _ := h.svc.Create(context.Background(), "hello", time.Now().Add(5*time.Millisecond))
	got := h.waitStatus(t, sc.ID, model.StatusSent)

	calls := h.disp.snapshot()
	if len(calls) != 2 {
		t.Fatalf("dispatch calls = %d, want 2", len(calls))
	}
	if !reflect.DeepEqual(calls[1].targets, []string{"B", "C"}) {
		t.Fatalf("resumed targets = %v, want [B C]", calls[1].targets)
	}
	if !reflect.DeepEqual(got.SentTargets, []string{"A", "B", "C"}) {
		t.Fatalf("sentTargets = %v", got.SentTargets)
	}
}

func TestAuthWaitExceeded(t *testing.T) {
	cfg := fastConfig()
	cfg.AuthWaitMax = 40 * time.Millisecond
	h := newHarness(t, cfg)
	h.auth.ok.Store(false)
	h.disp.setFn(func(int, []model.Target) (model.DispatchResult, error) {
		return model.DispatchResult{}, model.ErrNotAuthenticated
	})

	sc, _ := h.svc.Create(context.Background(), "hello", time.Now().Add(5*time.Millisecond))
	got := h.waitStatus(t, sc.ID, model.StatusFailed)
	if got.Error != "authentication wait exceeded" {
		t.Fatalf("error = %q", got.Error)
	}
	waitFor(t, func() bool { return h.svc.recoveringCount() == 0 })
}

func TestBootstrap(t *testing.T) {
	now := time.Now().UTC()
	longAgo := now.Add(-time.Hour)
	seed := []model.Schedule{
		{ID: "missed", Message: "m", CreatedAt: longAgo, RunAt: now.Add(-10 * time.Minute), Status: model.StatusPending},
		{ID: "future", Message: "f", CreatedAt: longAgo, RunAt: now.Add(time.Hour), Status: model.StatusPending},
		{ID: "crashed", Message: "c", CreatedAt: longAgo, RunAt: now.Add(-time.Minute), Status: model.StatusRunning},
		{ID: "expired", Message: "e", CreatedAt: longAgo, RunAt: longAgo, Status: model.StatusWaitingAuth, WaitingAuthSince: &longAgo},
		{ID: "done", Message: "d", CreatedAt: longAgo, RunAt: longAgo, Status: model.StatusSent, SentTargets: []string{"A"}},
	}
	cfg := fastConfig()
	cfg.AuthWaitMax = 30 * time.Minute
	h := newHarness(t, cfg, seed...)

	if err := h.svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	h.waitStatus(t, "missed", model.StatusSent)
	h.waitStatus(t, "crashed", model.StatusSent)
	exp := h.waitStatus(t, "expired", model.StatusFailed)
	if exp.Error != "authentication wait exceeded" {
		t.Fatalf("expired error = %q", exp.Error)
	}
	if sc, _ := h.store.Get(context.Background(), "future"); sc.Status != model.StatusPending {
		t.Fatalf("future status = %s, want pending", sc.Status)
	}
	if h.svc.armedCount() != 1 {
		t.Fatalf("armed timers = %d, want 1 (future)", h.svc.armedCount())
	}
	for _, c := range h.disp.snapshot() {
		if c.message == "d" || c.message == "f" || c.message == "e" {
			t.Fatalf("unexpected dispatch of %q", c.message)
		}
	}
}

func TestBootstrapResumesWaitingAuth(t *testing.T) {
	since := time.Now().UTC().Add(-time.Second)
	seed := []model.Schedule{{
		ID: "parked", Message: "p", CreatedAt: since, RunAt: since, Status: model.StatusWaitingAuth,
		SentTargets: []string{"A"}, WaitingAuthSince: &since,
	}}
	h := newHarness(t, fastConfig(), seed...)
	if err := h.svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	got := h.waitStatus(t, "parked", model.StatusSent)
	calls := h.disp.snapshot()
	if len(calls) != 1 || !reflect.DeepEqual(calls[0].targets, []string{"B", "C"}) {
		t.Fatalf("dispatch calls = %+v, want one call for B and C", calls)
	}
	if !reflect.DeepEqual(got.SentTargets, []string{"A", "B", "C"}) {
		t.Fatalf("sentTargets = %v", got.SentTargets)
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	now := time.Now()
	late, _ := h.svc.Create(ctx, "late", now.Add(3*time.Hour))
	early, _ := h.svc.Create(ctx, "early", now.Add(time.Hour))
	mid, _ := h.svc.Create(ctx, "mid", now.Add(2*time.Hour))
	if _, err := h.svc.Cancel(ctx, mid.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	all, err := h.svc.List(ctx, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var ids []string
	for _, sc := range all {
		ids = append(ids, sc.ID)
	}
	if !reflect.DeepEqual(ids, []string{early.ID, mid.ID, late.ID}) {
		t.Fatalf("List() order = %v", ids)
	}

	pending, _ := h.svc.List(ctx, model.StatusPending)
	if len(pending) != 2 || pending[0].ID != early.ID {
		t.Fatalf("List(pending) = %+v", pending)
	}
}

func TestCreateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedules.json")
	ctx := context.Background()
	open := func() storage.Store {
		st, err := storage.Open(ctx, storage.Config{Driver: "file", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return st
	}

	st := open()
	disp := &fakeDispatcher{}
	auth := &fakeAuth{}
	auth.ok.Store(true)
	deps := Deps{Store: st, Dispatcher: disp, Auth: auth, Targets: staticTargets{{Name: "A"}}}
	svc, _ := New(fastConfig(), deps)
	sc, err := svc.Create(ctx, "survive", time.Now().Add(150*time.Millisecond))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	_ = svc.Stop(stopCtx)
	cancel()
	_ = st.Close()

	st = open()
	defer st.Close()
	deps.Store = st
	svc, _ = New(fastConfig(), deps)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	}()
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := st.Get(ctx, sc.ID); got.Status == model.StatusSent {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("schedule not sent after restart")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
