package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/cart/internal/popularity"
	"shopping-cart-service/shared/backoffx"
	"shopping-cart-service/shared/lockx"
	"shopping-cart-service/shared/logx"
)

const tags = 3

func testOptions() Options {
	return Options{
		BatchSize: 2,
		Poll:      10 * time.Millisecond,
		Backoff:   backoffx.Policy{Min: time.Millisecond, Max: 5 * time.Millisecond},
		Logger:    logx.Discard(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func appendAdd(t *testing.T, log *eventlog.Memory, cartID string, seq int64, itemID string, qty int) {
	t.Helper()
	tag := domain.NewTagger(tags).Tag(cartID)
	if _, err := log.Append(context.Background(), cartID, tag, []domain.Event{domain.ItemAdded{CartID: cartID, ItemID: itemID, Quantity: qty}}, seq); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func runAll(t *testing.T, proj Projection, log eventlog.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for tag := 0; tag < tags; tag++ {
		w, err := NewWorker(proj, tag, log, testOptions())
		if err != nil {
			t.Fatalf("new worker: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestPopularityProjectionCountsEveryTag(t *testing.T) {
	log := eventlog.NewMemory()
	store := popularity.NewMemory()
	proj := Projection{Name: popularity.ProjectionName, TxHandler: popularity.NewHandler(store, logx.Discard()), Offsets: store}

	for i := 0; i < 10; i++ {
		appendAdd(t, log, fmt.Sprintf("cart-%d", i), 1, "apple", 1)
		appendAdd(t, log, fmt.Sprintf("cart-%d", i), 2, "pear", 2)
	}
	runAll(t, proj, log)

	// Events appended while the workers run are picked up too.
	appendAdd(t, log, "cart-late", 1, "apple", 5)

	waitFor(t, "counts", func() bool {
		apple, _, _ := store.Get(context.Background(), "apple")
		pear, _, _ := store.Get(context.Background(), "pear")
		return apple.Count == 15 && pear.Count == 20
	})
}

type recorder struct {
	mu       sync.Mutex
	seen     []int64
	failures map[int64]int
}

func (r *recorder) Handle(ctx context.Context, rec eventlog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures[rec.Offset] > 0 {
		r.failures[rec.Offset]--
		return errors.New("downstream unavailable")
	}
	r.seen = append(r.seen, rec.Offset)
	return nil
}

func (r *recorder) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seen...)
}

func TestFailingEventIsRetriedNotSkipped(t *testing.T) {
	log := eventlog.NewMemory()
	offsets := popularity.NewMemory()
	rec := &recorder{failures: map[int64]int{2: 3}}
	proj := Projection{Name: "recorder", Handler: rec, Offsets: offsets}

	cartID := "cart-1"
	tag := domain.NewTagger(tags).Tag(cartID)
	for seq := int64(1); seq <= 4; seq++ {
		appendAdd(t, log, cartID, seq, fmt.Sprintf("item-%d", seq), 1)
	}
	w, err := NewWorker(proj, tag, log, testOptions())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	waitFor(t, "all records", func() bool { return len(rec.offsets()) == 4 })
	got := rec.offsets()
	for i, off := range got {
		if off != int64(i+1) {
			t.Fatalf("records out of order: %v", got)
		}
	}
	waitFor(t, "stored offset", func() bool {
		off, _ := offsets.LoadOffset(context.Background(), "recorder", tag)
		return off == 4
	})
}

func TestWorkerResumesFromStoredOffset(t *testing.T) {
	log := eventlog.NewMemory()
	offsets := popularity.NewMemory()
	rec := &recorder{}
	proj := Projection{Name: "recorder", Handler: rec, Offsets: offsets}

	cartID := "cart-1"
	tag := domain.NewTagger(tags).Tag(cartID)
	for seq := int64(1); seq <= 5; seq++ {
		appendAdd(t, log, cartID, seq, fmt.Sprintf("item-%d", seq), 1)
	}
	if err := offsets.SaveOffset(context.Background(), "recorder", tag, 3); err != nil {
		t.Fatalf("save offset: %v", err)
	}
	w, err := NewWorker(proj, tag, log, testOptions())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	waitFor(t, "remaining records", func() bool { return len(rec.offsets()) == 2 })
	if got := rec.offsets(); got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected offsets 4 and 5, got %v", got)
	}
}

func TestNewWorkerRejectsAmbiguousProjection(t *testing.T) {
	store := popularity.NewMemory()
	both := Projection{Name: "x", Handler: &recorder{}, TxHandler: popularity.NewHandler(store, logx.Discard()), Offsets: store}
	if _, err := NewWorker(both, 0, eventlog.NewMemory(), testOptions()); err == nil {
		t.Fatalf("expected error for two handlers")
	}
	if _, err := NewWorker(Projection{Name: "x", Handler: &recorder{}}, 0, eventlog.NewMemory(), testOptions()); err == nil {
		t.Fatalf("expected error without offsets")
	}
}

func TestDaemonRunsEachWorkerOnce(t *testing.T) {
	log := eventlog.NewMemory()
	offsets := popularity.NewMemory()
	leases := lockx.NewMemory()

	var mu sync.Mutex
	handledBy := make(map[int64][]string)
	newDaemon := func(owner string) *Daemon {
		h := HandlerFunc(func(ctx context.Context, rec eventlog.Record) error {
			mu.Lock()
			handledBy[rec.Offset] = append(handledBy[rec.Offset], owner)
			mu.Unlock()
			return nil
		})
		proj := Projection{Name: "audit", Handler: h, Offsets: offsets}
		w, err := NewWorker(proj, 0, log, testOptions())
		if err != nil {
			t.Fatalf("new worker: %v", err)
		}
		return NewDaemon(leases, owner, 300*time.Millisecond, []*Worker{w}, logx.Discard())
	}

	// Everything goes to tag 0.
	appendTagZero := func(seq int64) {
		if _, err := log.Append(context.Background(), "cart-1", 0, []domain.Event{domain.ItemAdded{CartID: "cart-1", ItemID: fmt.Sprintf("i%d", seq), Quantity: 1}}, seq); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	appendTagZero(1)
	appendTagZero(2)

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	doneA := make(chan struct{})
	go func() { _ = newDaemon("a").Run(ctxA); close(doneA) }()
	waitFor(t, "first owner", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handledBy) == 2
	})
	go func() { _ = newDaemon("b").Run(ctxB) }()

	cancelA()
	<-doneA
	appendTagZero(3)
	waitFor(t, "takeover", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handledBy[3]) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	for off, owners := range handledBy {
		if len(owners) != 1 {
			t.Fatalf("offset %d handled by %v", off, owners)
		}
	}
	if handledBy[1][0] != "a" || handledBy[3][0] != "b" {
		t.Fatalf("unexpected owners: %v", handledBy)
	}
}
