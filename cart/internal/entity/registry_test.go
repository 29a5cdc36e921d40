package entity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/cart/internal/snapshot"
	"shopping-cart-service/shared/backoffx"
	"shopping-cart-service/shared/logx"
)

func testOptions(log eventlog.Store, snaps snapshot.Store) Options {
	return Options{
		Log:           log,
		Snapshots:     snaps,
		Tagger:        domain.NewTagger(4),
		SnapshotEvery: 100,
		Backoff:       backoffx.Policy{Min: time.Millisecond, Max: 5 * time.Millisecond, Jitter: 0.1},
		Logger:        logx.Discard(),
	}
}

func submit(t *testing.T, reg *Registry, cartID string, cmd domain.Command) (domain.Summary, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return reg.Submit(ctx, cartID, cmd)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegistryExampleConversation(t *testing.T) {
	reg := NewRegistry(testOptions(eventlog.NewMemory(), nil))
	defer reg.Close()

	sum, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: "foo", Quantity: 42})
	if err != nil || !reflect.DeepEqual(sum.Items, map[string]int{"foo": 42}) || sum.CheckedOut {
		t.Fatalf("add foo: %#v %v", sum, err)
	}
	if _, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: "foo", Quantity: 1}); !errors.Is(err, domain.ErrAlreadyAdded) {
		t.Fatalf("expected already added, got %v", err)
	}
	sum, err = submit(t, reg, "cart-1", domain.Checkout{})
	if err != nil || !sum.CheckedOut {
		t.Fatalf("checkout: %#v %v", sum, err)
	}
	if _, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: "bar", Quantity: 1}); !errors.Is(err, domain.ErrCartClosed) {
		t.Fatalf("expected cart closed, got %v", err)
	}
}

// exclusiveLog fails the test if two appends for one cart overlap.
type exclusiveLog struct {
	*eventlog.Memory
	t        *testing.T
	inFlight sync.Map
}

func (l *exclusiveLog) Append(ctx context.Context, cartID string, tag int, events []domain.Event, next int64) (int64, error) {
	counter, _ := l.inFlight.LoadOrStore(cartID, new(int32))
	n := counter.(*int32)
	if atomic.AddInt32(n, 1) != 1 {
		l.t.Errorf("concurrent append for %s", cartID)
	}
	defer atomic.AddInt32(n, -1)
	time.Sleep(time.Millisecond)
	return l.Memory.Append(ctx, cartID, tag, events, next)
}

func TestCommandsForOneCartAreSerialized(t *testing.T) {
	log := &exclusiveLog{Memory: eventlog.NewMemory(), t: t}
	reg := NewRegistry(testOptions(log, nil))
	defer reg.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: fmt.Sprintf("item-%d", i), Quantity: i + 1})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	recs, err := log.ReadRange(context.Background(), "cart-1", 1, 0)
	if err != nil || len(recs) != 40 {
		t.Fatalf("expected 40 events, got %d (%v)", len(recs), err)
	}
	if err := eventlog.CheckContiguous("cart-1", 0, recs); err != nil {
		t.Fatalf("sequence: %v", err)
	}
	sum, _ := submit(t, reg, "cart-1", domain.Get{})
	if len(sum.Items) != 40 {
		t.Fatalf("expected 40 items, got %d", len(sum.Items))
	}
}

func TestIdlePassivationIsTransparent(t *testing.T) {
	opts := testOptions(eventlog.NewMemory(), nil)
	opts.IdleTimeout = 20 * time.Millisecond
	reg := NewRegistry(opts)
	defer reg.Close()

	if _, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: "x", Quantity: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "passivation", func() bool { return reg.Active() == 0 })

	sum, err := submit(t, reg, "cart-1", domain.Get{})
	if err != nil || sum.Items["x"] != 3 {
		t.Fatalf("state lost across passivation: %#v %v", sum, err)
	}
}

func TestSnapshotRecoveryMatchesFullReplay(t *testing.T) {
	log := eventlog.NewMemory()
	snaps := snapshot.NewMemory(3)
	opts := testOptions(log, snaps)
	opts.SnapshotEvery = 3
	reg := NewRegistry(opts)

	for i := 0; i < 10; i++ {
		if _, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: fmt.Sprintf("i%d", i), Quantity: i + 1}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if _, err := submit(t, reg, "cart-1", domain.Checkout{}); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	reg.Close()

	snap, ok, _ := snaps.Get(context.Background(), "cart-1")
	if !ok || snap.Seq != 9 {
		t.Fatalf("expected snapshot at seq 9, got %#v ok=%v", snap, ok)
	}
	if n := snaps.Retained("cart-1"); n != 3 {
		t.Fatalf("expected 3 retained snapshots, got %d", n)
	}

	fromSnap := NewRegistry(opts)
	defer fromSnap.Close()
	full := NewRegistry(testOptions(log, nil))
	defer full.Close()

	a, errA := submit(t, fromSnap, "cart-1", domain.Get{})
	b, errB := submit(t, full, "cart-1", domain.Get{})
	if errA != nil || errB != nil {
		t.Fatalf("get: %v %v", errA, errB)
	}
	if !reflect.DeepEqual(a, b) || len(a.Items) != 10 || !a.CheckedOut {
		t.Fatalf("snapshot recovery %#v differs from full replay %#v", a, b)
	}
}

type brokenSnapshots struct{ snapshot.Store }

func (brokenSnapshots) Get(context.Context, string) (snapshot.Snapshot, bool, error) {
	return snapshot.Snapshot{}, false, snapshot.ErrUndecodable
}

func TestUnreadableSnapshotFallsBackToFullReplay(t *testing.T) {
	log := eventlog.NewMemory()
	if _, err := log.Append(context.Background(), "cart-1", domain.NewTagger(4).Tag("cart-1"),
		[]domain.Event{domain.ItemAdded{CartID: "cart-1", ItemID: "x", Quantity: 2}}, 1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	reg := NewRegistry(testOptions(log, brokenSnapshots{snapshot.NewMemory(1)}))
	defer reg.Close()

	sum, err := submit(t, reg, "cart-1", domain.Get{})
	if err != nil || sum.Items["x"] != 2 {
		t.Fatalf("expected full replay, got %#v %v", sum, err)
	}
}

func TestConflictRestartsAndRecovers(t *testing.T) {
	log := eventlog.NewMemory()
	reg := NewRegistry(testOptions(log, nil))
	defer reg.Close()

	if _, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: "a", Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Another writer appends behind the runtime's back.
	if _, err := log.Append(context.Background(), "cart-1", 0,
		[]domain.Event{domain.ItemAdded{CartID: "cart-1", ItemID: "b", Quantity: 5}}, 2); err != nil {
		t.Fatalf("foreign append: %v", err)
	}

	if _, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: "c", Quantity: 1}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable on conflict, got %v", err)
	}
	var sum domain.Summary
	waitFor(t, "restart", func() bool {
		var err error
		sum, err = submit(t, reg, "cart-1", domain.AddItem{ItemID: "c", Quantity: 1})
		return err == nil
	})
	if !reflect.DeepEqual(sum.Items, map[string]int{"a": 1, "b": 5, "c": 1}) {
		t.Fatalf("unexpected state after restart %#v", sum.Items)
	}
}

// flakyLog fails the next append without writing anything.
type flakyLog struct {
	*eventlog.Memory
	fail atomic.Bool
}

func (l *flakyLog) Append(ctx context.Context, cartID string, tag int, events []domain.Event, next int64) (int64, error) {
	if l.fail.CompareAndSwap(true, false) {
		return 0, errors.New("connection reset")
	}
	return l.Memory.Append(ctx, cartID, tag, events, next)
}

func TestAppendFailureLeavesStateUnchanged(t *testing.T) {
	log := &flakyLog{Memory: eventlog.NewMemory()}
	reg := NewRegistry(testOptions(log, nil))
	defer reg.Close()

	log.fail.Store(true)
	if _, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: "x", Quantity: 1}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	sum, err := submit(t, reg, "cart-1", domain.Get{})
	if err != nil || len(sum.Items) != 0 {
		t.Fatalf("failed append leaked into state: %#v %v", sum, err)
	}
	if _, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: "x", Quantity: 1}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

// gappyLog returns a history with a missing sequence number.
type gappyLog struct{ *eventlog.Memory }

func (gappyLog) ReadRange(ctx context.Context, cartID string, fromSeq int64, limit int) ([]eventlog.Record, error) {
	return []eventlog.Record{
		{CartID: cartID, Seq: 1, Event: domain.ItemAdded{CartID: cartID, ItemID: "a", Quantity: 1}},
		{CartID: cartID, Seq: 3, Event: domain.ItemAdded{CartID: cartID, ItemID: "b", Quantity: 1}},
	}, nil
}

func TestCorruptLogHaltsCart(t *testing.T) {
	reg := NewRegistry(testOptions(gappyLog{eventlog.NewMemory()}, nil))
	defer reg.Close()

	if _, err := submit(t, reg, "cart-1", domain.Get{}); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected halted, got %v", err)
	}
	if phase, ok := reg.Phase("cart-1"); !ok || phase != PhaseHalted {
		t.Fatalf("expected halted phase, got %q", phase)
	}
	if _, err := submit(t, reg, "cart-1", domain.AddItem{ItemID: "c", Quantity: 1}); !errors.Is(err, ErrHalted) {
		t.Fatalf("halted cart must keep rejecting, got %v", err)
	}
	if _, err := submit(t, reg, "cart-2", domain.Get{}); !errors.Is(err, ErrHalted) {
		t.Fatalf("gappy log halts every cart, got %v", err)
	}
}

func TestForcedPassivationThenRecreate(t *testing.T) {
	reg := NewRegistry(testOptions(eventlog.NewMemory(), nil))
	defer reg.Close()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := submit(t, reg, id, domain.AddItem{ItemID: "x", Quantity: 1}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	if n := reg.Passivate(func(id string) bool { return id != "c" }); n != 2 {
		t.Fatalf("expected 2 passivated, got %d", n)
	}
	if reg.Active() != 1 {
		t.Fatalf("expected 1 resident runtime, got %d", reg.Active())
	}
	sum, err := submit(t, reg, "a", domain.Get{})
	if err != nil || sum.Items["x"] != 1 {
		t.Fatalf("recreate after passivation: %#v %v", sum, err)
	}
}

func TestClosedRegistryRejects(t *testing.T) {
	reg := NewRegistry(testOptions(eventlog.NewMemory(), nil))
	reg.Close()
	if _, err := submit(t, reg, "a", domain.Get{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}

func TestPhaseTransitions(t *testing.T) {
	if !CanTransition(PhaseRecovering, PhaseReady) || !CanTransition(PhaseReady, PhasePersisting) {
		t.Fatalf("expected normal lifecycle to be allowed")
	}
	if CanTransition(PhaseHalted, PhaseReady) {
		t.Fatalf("halted must not become ready")
	}
	if CanTransition(PhasePassivated, PhaseRecovering) {
		t.Fatalf("passivated is terminal for a runtime")
	}
	if EventForTransition(PhaseRecovering, PhaseHalted) != EventHalted {
		t.Fatalf("expected halted event")
	}
	if len(AllPhases()) != 5 {
		t.Fatalf("unexpected phases %v", AllPhases())
	}
}

func TestTagSurvivesTagCountChange(t *testing.T) {
	cartID := ""
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("cart-x%d", i)
		if domain.NewTagger(5).Tag(id) != domain.NewTagger(7).Tag(id) {
			cartID = id
			break
		}
	}
	if cartID == "" {
		t.Fatalf("no cart id maps to different tags")
	}

	for _, withSnapshots := range []bool{false, true} {
		log := eventlog.NewMemory()
		var snaps snapshot.Store
		if withSnapshots {
			snaps = snapshot.NewMemory(3)
		}
		opts := testOptions(log, snaps)
		opts.SnapshotEvery = 1
		opts.Tagger = domain.NewTagger(5)
		reg := NewRegistry(opts)
		if _, err := submit(t, reg, cartID, domain.AddItem{ItemID: "a", Quantity: 1}); err != nil {
			t.Fatalf("first add: %v", err)
		}
		reg.Close()

		opts.Tagger = domain.NewTagger(7)
		reg = NewRegistry(opts)
		if _, err := submit(t, reg, cartID, domain.AddItem{ItemID: "b", Quantity: 1}); err != nil {
			t.Fatalf("second add: %v", err)
		}
		reg.Close()

		recs, err := log.ReadRange(context.Background(), cartID, 1, 10)
		if err != nil || len(recs) != 2 {
			t.Fatalf("read back: %d records, %v", len(recs), err)
		}
		if recs[0].Tag != recs[1].Tag {
			t.Fatalf("snapshots=%v: events split across tags %d and %d", withSnapshots, recs[0].Tag, recs[1].Tag)
		}
	}
}
