package indexer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/transferscan/transferscan/store"
)

// startTailer runs the tailer against a push-capable fake and returns
// the log feed channel plus a way to shut the run down.
func startTailer(t *testing.T, client *fakeClient, st *store.Store, cfg TailerConfig) (chan<- types.Log, func()) {
	t.Helper()
	feed := make(chan chan<- types.Log, 1)
	client.subFn = func(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
		select {
		case feed <- ch:
		default:
		}
		return newChanSub(), nil
	}
	cfg.Contract = testContract
	tailer := NewTailer(client, st, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := tailer.Run(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("run: %v", err)
		}
	}()

	var sink chan<- types.Log
	select {
	case sink = <-feed:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("tailer never subscribed")
	}
	return sink, func() {
		cancel()
		<-done
	}
}

func storedCount(t *testing.T, st *store.Store) int {
	t.Helper()
	_, total, err := st.Events(context.Background(), store.EventQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return total
}

func TestTailerStoresAndForwards(t *testing.T) {
	client := &fakeClient{head: 100}
	st := newTestStore(t)

	received := make(chan *store.TransferEvent, 8)
	cfg := TailerConfig{Sink: func(ev *store.TransferEvent) error {
		received <- ev
		return nil
	}}
	logs, stop := startTailer(t, client, st, cfg)
	defer stop()

	logs <- transferLog(testContract, testContract, big.NewInt(42), 101, "0xa1", 3)

	var ev *store.TransferEvent
	select {
	case ev = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the event")
	}
	if ev.BlockNumber != 101 || ev.Value != "42" {
		t.Fatalf("sink event mismatch: %+v", ev)
	}
	// Persisted before the sink saw it.
	if n := storedCount(t, st); n != 1 {
		t.Fatalf("have %d stored events, want 1", n)
	}
	cursor, ok, err := st.Cursor(context.Background(), store.RealtimeCursor)
	if err != nil || !ok || cursor != 101 {
		t.Fatalf("have realtime cursor (%d, %v, %v), want 101", cursor, ok, err)
	}
	// The batch cursor belongs to the backfill and must stay untouched.
	if _, ok, _ := st.Cursor(context.Background(), store.BatchCursor); ok {
		t.Fatal("tailer advanced the batch cursor")
	}
}

func TestTailerDropsBadEvents(t *testing.T) {
	client := &fakeClient{head: 100}
	st := newTestStore(t)
	logs, stop := startTailer(t, client, st, TailerConfig{})
	defer stop()

	// Undecodable: wrong topic count.
	bad := transferLog(testContract, testContract, big.NewInt(1), 102, "0xbad", 0)
	bad.Topics = bad.Topics[:2]
	logs <- bad

	// Reorged-out logs are dropped too.
	removed := transferLog(testContract, testContract, big.NewInt(2), 103, "0xdead", 0)
	removed.Removed = true
	logs <- removed

	// The stream survives both; a healthy event still lands.
	logs <- transferLog(testContract, testContract, big.NewInt(3), 104, "0xa2", 0)

	waitFor(t, "good event to be stored", func() bool { return storedCount(t, st) == 1 })
	events, _, err := st.Events(context.Background(), store.EventQuery{})
	if err != nil || events[0].BlockNumber != 104 {
		t.Fatalf("have %+v (err=%v), want the block 104 event only", events, err)
	}
}

func TestTailerSinkErrorKeepsEvent(t *testing.T) {
	client := &fakeClient{head: 100}
	st := newTestStore(t)
	cfg := TailerConfig{Sink: func(ev *store.TransferEvent) error {
		return errors.New("slow consumer")
	}}
	logs, stop := startTailer(t, client, st, cfg)
	defer stop()

	logs <- transferLog(testContract, testContract, big.NewInt(7), 110, "0xa3", 0)
	waitFor(t, "event stored despite sink failure", func() bool { return storedCount(t, st) == 1 })

	// The stream stays alive for the next event.
	logs <- transferLog(testContract, testContract, big.NewInt(8), 111, "0xa4", 0)
	waitFor(t, "second event stored", func() bool { return storedCount(t, st) == 2 })
}

// Endpoints without push support are followed by polling the head and
// range-filtering the gap.
func TestTailerPollingFallback(t *testing.T) {
	client := &fakeClient{head: 100} // default subFn: notifications unsupported
	client.logsFn = func(q ethereum.FilterQuery) ([]types.Log, error) {
		return []types.Log{
			transferLog(testContract, testContract, big.NewInt(5), q.FromBlock.Uint64(), "0xp1", 0),
		}, nil
	}
	st := newTestStore(t)
	tailer := NewTailer(client, st, TailerConfig{
		Contract:     testContract,
		PollInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tailer.Run(ctx)
	}()

	// New blocks appear; the poller must pick up the gap.
	time.Sleep(50 * time.Millisecond)
	client.setHead(102)

	waitFor(t, "polled event to be stored", func() bool { return storedCount(t, st) == 1 })
	queries := client.recordedQueries()
	if len(queries) == 0 {
		t.Fatal("no range queries recorded")
	}
	from, to := rangeOf(queries[0])
	if from != 101 || to != 102 {
		t.Fatalf("have polled range [%d, %d], want [101, 102]", from, to)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tailer did not stop")
	}
}

func TestTailerSingleRunner(t *testing.T) {
	client := &fakeClient{head: 100}
	subscribed := make(chan struct{}, 1)
	client.subFn = func(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
		select {
		case subscribed <- struct{}{}:
		default:
		}
		return newChanSub(), nil
	}
	st := newTestStore(t)
	tailer := NewTailer(client, st, TailerConfig{Contract: testContract})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tailer.Run(ctx)
	}()
	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("tailer never subscribed")
	}

	if err := tailer.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("have %v, want ErrAlreadyRunning", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tailer did not stop")
	}

	// Once stopped, the tailer may be started again.
	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan struct{})
	go func() {
		defer close(done2)
		tailer.Run(ctx2)
	}()
	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("restart never subscribed")
	}
	cancel2()
	<-done2
}
