package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"groupcast/internal/channel"
	"groupcast/internal/eventbus"
	"groupcast/internal/model"
	"groupcast/pkg/logx"
)

type delivery struct {
	target string
	text   string
	at     time.Time
}

type fakeDriver struct {
	ready channel.Readiness

	mu        sync.Mutex
	log       []delivery
	failures  map[string]error // target -> error returned once per call
	failOnce  map[string]bool  // target -> fail first call only
	panicking map[string]bool
}

func (f *fakeDriver) Start(context.Context) error { return nil }
func (f *fakeDriver) Probe(context.Context) (channel.Readiness, error) {
	return f.ready, nil
}
func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) Deliver(_ context.Context, target, text string) error {
	f.mu.Lock()
	f.log = append(f.log, delivery{target: target, text: text, at: time.Now()})
	err := f.failures[target]
	if f.failOnce[target] {
		delete(f.failOnce, target)
		err = errors.New("flaky")
	}
	boom := f.panicking[target]
	f.mu.Unlock()
	if boom {
		panic("driver bug")
	}
	time.Sleep(time.Millisecond)
	return err
}

func (f *fakeDriver) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.log...)
}

func newEngine(t *testing.T, drv *fakeDriver, cfg Config) (*Engine, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := channel.New(drv, channel.Config{PollInterval: 5 * time.Millisecond}, logx.Nop(), bus)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("session start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = 50 * time.Millisecond
	}
	return New(cfg, s, logx.Nop(), bus), bus
}

func targets(names ...string) []model.Target {
	out := make([]model.Target, 0, len(names))
	for _, n := range names {
		out = append(out, model.Target{Name: n})
	}
	return out
}

func TestBroadcastDeliversInOrderWithSuffix(t *testing.T) {
	drv := &fakeDriver{ready: channel.ReadinessAuthenticated}
	e, bus := newEngine(t, drv, Config{Pacing: 30 * time.Millisecond})
	events, unsub := bus.Subscribe(8)
	defer unsub()

	ts := []model.Target{{Name: "A", Suffix: "#a"}, {Name: "B"}, {Name: "C", Suffix: "bye\n\n"}}
	res, err := e.Broadcast(context.Background(), "hello", ts)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if strings.Join(res.Sent, ",") != "A,B,C" || len(res.Failed) != 0 {
		t.Fatalf("result = %+v", res)
	}

	got := drv.deliveries()
	want := []string{"hello\n#a", "hello", "hello\nbye"}
	for i, d := range got {
		if d.text != want[i] {
			t.Fatalf("delivery %d text = %q, want %q", i, d.text, want[i])
		}
	}
	for i := 1; i < len(got); i++ {
		if gap := got[i].at.Sub(got[i-1].at); gap < 25*time.Millisecond {
			t.Fatalf("gap between deliveries %d and %d = %v, want pacing", i-1, i, gap)
		}
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeDispatchFinished {
				continue
			}
			if df := ev.Data.(eventbus.DispatchFinished); df.Sent != 3 || df.Failed != 0 {
				t.Fatalf("dispatch event = %+v", df)
			}
			return
		case <-deadline:
			t.Fatalf("no dispatch.finished event")
		}
	}
}

func TestBroadcastRecordsPerTargetFailures(t *testing.T) {
	drv := &fakeDriver{
		ready:     channel.ReadinessAuthenticated,
		failures:  map[string]error{"B": errors.New("chat not found")},
		panicking: map[string]bool{"D": true},
	}
	e, _ := newEngine(t, drv, Config{})

	res, err := e.Broadcast(context.Background(), "hi", targets("A", "B", "C", "D", "E"))
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if strings.Join(res.Sent, ",") != "A,C,E" {
		t.Fatalf("sent = %v, want A,C,E", res.Sent)
	}
	if len(res.Failed) != 2 || res.Failed[0].Target != "B" || res.Failed[0].Error != "chat not found" || res.Failed[1].Target != "D" {
		t.Fatalf("failed = %+v", res.Failed)
	}
}

func TestBroadcastRetriesFlakyTarget(t *testing.T) {
	drv := &fakeDriver{ready: channel.ReadinessAuthenticated, failOnce: map[string]bool{"A": true}}
	e, _ := newEngine(t, drv, Config{RetryMax: 1, RetryDelay: time.Millisecond})

	res, err := e.Broadcast(context.Background(), "hi", targets("A"))
	if err != nil || len(res.Sent) != 1 {
		t.Fatalf("Broadcast() = %+v, %v, want A sent after retry", res, err)
	}
	if n := len(drv.deliveries()); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}
}

func TestBroadcastNotAuthenticated(t *testing.T) {
	drv := &fakeDriver{ready: channel.ReadinessAwaitingAuth}
	e, _ := newEngine(t, drv, Config{})

	_, err := e.Broadcast(context.Background(), "hi", targets("A", "B"))
	if !errors.Is(err, model.ErrNotAuthenticated) {
		t.Fatalf("Broadcast() error = %v, want ErrNotAuthenticated", err)
	}
	if n := len(drv.deliveries()); n != 0 {
		t.Fatalf("deliveries = %d, want none", n)
	}
}

func TestBroadcastAuthLostMidBatch(t *testing.T) {
	drv := &fakeDriver{
		ready:    channel.ReadinessAuthenticated,
		failures: map[string]error{"B": fmt.Errorf("logged out: %w", model.ErrNotAuthenticated)},
	}
	e, _ := newEngine(t, drv, Config{})

	res, err := e.Broadcast(context.Background(), "hi", targets("A", "B", "C"))
	var lost *AuthLostError
	if !errors.As(err, &lost) || !errors.Is(err, model.ErrNotAuthenticated) {
		t.Fatalf("Broadcast() error = %v, want AuthLostError", err)
	}
	if lost.Target != "B" || strings.Join(res.Sent, ",") != "A" {
		t.Fatalf("partial = %+v at %s", res, lost.Target)
	}
	if n := len(drv.deliveries()); n != 2 {
		t.Fatalf("deliveries = %d, want stop after B", n)
	}
}

func TestBroadcastInvalidInput(t *testing.T) {
	drv := &fakeDriver{ready: channel.ReadinessAuthenticated}
	e, _ := newEngine(t, drv, Config{})

	tests := []struct {
		name    string
		message string
		targets []model.Target
	}{
		{"empty message", "  \n", targets("A")},
		{"no targets", "hi", nil},
		{"duplicate targets", "hi", targets("A", "A")},
	}
	for _, tt := range tests {
		if _, err := e.Broadcast(context.Background(), tt.message, tt.targets); !errors.Is(err, model.ErrInvalidInput) {
			t.Fatalf("%s: error = %v, want ErrInvalidInput", tt.name, err)
		}
	}
}

func TestConcurrentBroadcastsDoNotInterleave(t *testing.T) {
	drv := &fakeDriver{ready: channel.ReadinessAuthenticated}
	e, _ := newEngine(t, drv, Config{})

	var wg sync.WaitGroup
	for _, prefix := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if _, err := e.Broadcast(context.Background(), p, targets(p+"1", p+"2", p+"3", p+"4")); err != nil {
				t.Errorf("Broadcast(%s) error = %v", p, err)
			}
		}(prefix)
	}
	wg.Wait()

	got := drv.deliveries()
	if len(got) != 12 {
		t.Fatalf("deliveries = %d, want 12", len(got))
	}
	for i := 0; i < len(got); i += 4 {
		p := got[i].target[:1]
		for j := 0; j < 4; j++ {
			if got[i+j].target != fmt.Sprintf("%s%d", p, j+1) {
				t.Fatalf("batches interleaved: %v", got)
			}
		}
	}
}
