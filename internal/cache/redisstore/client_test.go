package redisstore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/viewport-cache/internal/core/observability"
	"github.com/mohammed-shakir/viewport-cache/internal/metrics"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestSetGetMGetDel_HappyPath(t *testing.T) {
	rc, _ := newMini(t)
	ctx := context.Background()

	if err := rc.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := rc.Set(ctx, "k2", []byte("v2"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := rc.Get(ctx, "k1")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get k1 = %q ok=%v err=%v", v, ok, err)
	}
	if _, ok, err := rc.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing ok=%v err=%v, want miss without error", ok, err)
	}

	got, err := rc.MGet(ctx, []string{"k1", "k2", "missing"})
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if len(got) != 2 || string(got["k2"]) != "v2" {
		t.Fatalf("unexpected MGet result: %+v", got)
	}

	if err := rc.Del(ctx, "k1", "k2"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := rc.Get(ctx, "k1"); ok {
		t.Fatalf("k1 still present after Del")
	}
}

func TestTTLExpiry_GetMissesAfterExpiry(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()

	if err := rc.Set(ctx, "ttl-key", []byte("v"), 2*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(3 * time.Second)

	if _, ok, err := rc.Get(ctx, "ttl-key"); err != nil || ok {
		t.Fatalf("expected miss after expiry, ok=%v err=%v", ok, err)
	}
}

func TestSetIndexed_AndDelSetMembers(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()

	if err := rc.SetIndexed(ctx, "e:1", []byte("a"), time.Minute, []string{"t:facts", "t:all"}, time.Hour); err != nil {
		t.Fatalf("SetIndexed: %v", err)
	}
	if err := rc.SetIndexed(ctx, "e:2", []byte("b"), time.Minute, []string{"t:facts"}, time.Hour); err != nil {
		t.Fatalf("SetIndexed: %v", err)
	}
	if err := rc.SetIndexed(ctx, "e:3", []byte("c"), time.Minute, []string{"t:other"}, time.Hour); err != nil {
		t.Fatalf("SetIndexed: %v", err)
	}

	if ttl := mr.TTL("t:facts"); ttl != time.Hour {
		t.Fatalf("index ttl=%v want 1h", ttl)
	}

	n, err := rc.DelSetMembers(ctx, "t:facts")
	if err != nil {
		t.Fatalf("DelSetMembers: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted=%d want 2", n)
	}
	if mr.Exists("e:1") || mr.Exists("e:2") || mr.Exists("t:facts") {
		t.Fatalf("tagged keys or index survived")
	}
	if !mr.Exists("e:3") || !mr.Exists("t:other") {
		t.Fatalf("untagged entry removed")
	}
}

// Writes racing with invalidations must never leave a live entry outside its
// index set, or a later invalidation could not reach it.
func TestDelSetMembers_ConcurrentWritesStayIndexed(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				k := fmt.Sprintf("e:%d:%d", w, i)
				if err := rc.SetIndexed(ctx, k, []byte("v"), time.Minute, []string{"t:facts"}, time.Hour); err != nil {
					t.Errorf("SetIndexed: %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 50 {
			if _, err := rc.DelSetMembers(ctx, "t:facts"); err != nil {
				t.Errorf("DelSetMembers: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	for _, k := range mr.Keys() {
		if !strings.HasPrefix(k, "e:") {
			continue
		}
		ok, err := mr.SIsMember("t:facts", k)
		if err != nil || !ok {
			t.Fatalf("live entry %s missing from index (err=%v)", k, err)
		}
	}
	if _, err := rc.DelSetMembers(ctx, "t:facts"); err != nil {
		t.Fatalf("DelSetMembers: %v", err)
	}
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "e:") {
			t.Fatalf("entry %s survived invalidation", k)
		}
	}
}

func TestSetIndexed_IndexNeverShorterThanEntry(t *testing.T) {
	rc, mr := newMini(t)
	if err := rc.SetIndexed(context.Background(), "e", []byte("x"), time.Hour, []string{"t"}, time.Minute); err != nil {
		t.Fatalf("SetIndexed: %v", err)
	}
	if ttl := mr.TTL("t"); ttl != time.Hour {
		t.Fatalf("index ttl=%v want 1h", ttl)
	}
}

func TestDelMatch_AndCountMatch(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()
	for _, k := range []string{"ns:a", "ns:b", "ns:c", "other:a"} {
		_ = mr.Set(k, "v")
	}

	n, err := rc.CountMatch(ctx, "ns:*")
	if err != nil || n != 3 {
		t.Fatalf("CountMatch=%d err=%v want 3", n, err)
	}
	deleted, err := rc.DelMatch(ctx, "ns:*", 2)
	if err != nil || deleted != 3 {
		t.Fatalf("DelMatch=%d err=%v want 3", deleted, err)
	}
	if !mr.Exists("other:a") {
		t.Fatalf("key outside namespace deleted")
	}
}

func TestSlidingWindowAdd_PrunesOldEntries(t *testing.T) {
	rc, _ := newMini(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i, m := range []string{"a", "b", "c"} {
		n, err := rc.SlidingWindowAdd(ctx, "rl:k", m, base.Add(time.Duration(i)*time.Second), time.Minute)
		if err != nil {
			t.Fatalf("SlidingWindowAdd: %v", err)
		}
		if n != int64(i+1) {
			t.Fatalf("count=%d want %d", n, i+1)
		}
	}

	n, err := rc.SlidingWindowAdd(ctx, "rl:k", "d", base.Add(61*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("SlidingWindowAdd: %v", err)
	}
	// a at +0s left the window, b at +1s sits on its edge
	if n != 3 {
		t.Fatalf("count after slide=%d want 3", n)
	}
}

func TestContextCanceled_IsRespected(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rc.Set(ctx, "k", []byte("v"), time.Second); err == nil {
		t.Fatalf("expected error on Set with canceled context")
	}
	if _, _, err := rc.Get(ctx, "k"); err == nil {
		t.Fatalf("expected error on Get with canceled context")
	}
	if _, err := rc.DelSetMembers(ctx, "t"); err == nil {
		t.Fatalf("expected error on DelSetMembers with canceled context")
	}
}

func TestMetrics_Incremented(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)

	rc, _ := newMini(t)
	ctx := context.Background()

	_ = rc.Set(ctx, "m1", []byte("x"), time.Minute)
	_, _, _ = rc.Get(ctx, "m1")
	_ = rc.Del(ctx, "m1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	body := rr.Body.String()
	for _, op := range []string{"set", "get", "del"} {
		if !strings.Contains(body, `cache_op_total{op="`+op+`"`) {
			t.Fatalf("missing cache_op_total for %s; got:\n%s", op, body)
		}
	}
	if !strings.Contains(body, `redis_operation_duration_seconds_bucket{op="set"`) {
		t.Fatalf("missing redis_operation_duration_seconds histogram; got:\n%s", body)
	}
}
