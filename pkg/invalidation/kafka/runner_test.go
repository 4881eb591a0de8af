package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/viewport-cache/internal/invalidation"
)

type fakeInvalidator struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, tags []string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), tags...))
	return len(tags)
}

func (f *fakeInvalidator) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "marker-invalidation" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunner(t *testing.T, inv Invalidator) (*Runner, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.Enabled, cfg.Driver = true, DriverKafka
	return New(cfg, inv, Options{Logger: quietLogger(), Register: reg}), reg
}

func message(t *testing.T, offset int64, ev invalidation.Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{
		Topic: "marker-invalidation", Offset: offset, Timestamp: time.Now().UTC(), Value: b,
	}
}

func event(source string, version uint64, tags ...string) invalidation.Event {
	return invalidation.Event{Version: version, Tags: tags, Source: source, TS: time.Now().UTC()}
}

func TestHandleMessage_AppliesAndDedupesPerSource(t *testing.T) {
	inv := &fakeInvalidator{}
	r, _ := newRunner(t, inv)
	ctx := context.Background()

	steps := []struct {
		ev      invalidation.Event
		applied int
	}{
		{event("writer-1", 5, "markers"), 1},
		{event("writer-1", 5, "markers"), 1}, // redelivery
		{event("writer-1", 4, "facts"), 1},   // stale
		{event("writer-2", 1, "facts"), 2},   // other source keeps its own sequence
		{event("writer-1", 6, "facts"), 3},
	}
	for i, st := range steps {
		if err := r.handleMessage(ctx, message(t, int64(i), st.ev)); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := inv.Count(); got != st.applied {
			t.Fatalf("step %d: applied=%d want %d", i, got, st.applied)
		}
	}
	if got := testutil.ToFloat64(r.ms.apply.WithLabelValues("skip_version")); got != 2 {
		t.Fatalf("skip_version=%v want 2", got)
	}
}

func TestHandleMessage_RejectsMalformed(t *testing.T) {
	inv := &fakeInvalidator{}
	r, _ := newRunner(t, inv)
	ctx := context.Background()

	if err := r.handleMessage(ctx, &sarama.ConsumerMessage{Value: []byte("{nope")}); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := r.handleMessage(ctx, message(t, 1, event("writer-1", 1))); err == nil {
		t.Fatalf("expected validation error for empty tags")
	}
	if inv.Count() != 0 {
		t.Fatalf("invalidator called for malformed messages")
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues("error")); got != 2 {
		t.Fatalf("error count=%v want 2", got)
	}
}

func TestConsumeClaim_MarksInOrderAndSkipsPoison(t *testing.T) {
	inv := &fakeInvalidator{}
	r, _ := newRunner(t, inv)

	g := &groupHandler{process: r.handleMessage, log: quietLogger()}
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 3)
	ch <- message(t, 10, event("w", 1, "markers"))
	ch <- &sarama.ConsumerMessage{Offset: 11, Value: []byte("garbage")}
	ch <- message(t, 12, event("w", 2, "markers"))
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 3 || s.marked[0] != 10 || s.marked[2] != 12 {
		t.Fatalf("marked=%v want [10 11 12]", s.marked)
	}
	if inv.Count() != 2 {
		t.Fatalf("applied=%d want 2", inv.Count())
	}
}

func TestReadiness_FollowsAssignment(t *testing.T) {
	r, _ := newRunner(t, &fakeInvalidator{})
	if ok, _ := r.Readiness(); ok {
		t.Fatalf("ready before assignment")
	}

	r.setAssignment(map[string][]int32{"marker-invalidation": {2, 0}})
	ok, parts := r.Readiness()
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	if !ok || len(parts) != 2 || parts[0] != 0 || parts[1] != 2 {
		t.Fatalf("ready=%v parts=%v", ok, parts)
	}

	r.setAssignment(nil)
	if ok, _ := r.Readiness(); ok {
		t.Fatalf("ready after revoke")
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(DefaultConfig(), nil, Options{Logger: quietLogger()})
	if r.Enabled() {
		t.Fatalf("default config must be disabled")
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
}

func TestDedupe_BoundedBySize(t *testing.T) {
	d := newVersionDedupe(2)
	d.shouldApply("a", 5)
	d.shouldApply("b", 1)
	d.shouldApply("c", 1) // evicts a
	if !d.shouldApply("a", 1) {
		t.Fatalf("evicted source should start over")
	}
	if d.shouldApply("c", 1) {
		t.Fatalf("same version applied twice")
	}
}
