package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/transferscan/transferscan/store"
)

// resubscribeBackoffMax caps the delay between attempts to restore a
// broken log subscription.
const resubscribeBackoffMax = 30 * time.Second

// Sink receives every live event after it has been persisted. A sink
// error is logged and the event is dropped from the push path only; the
// stored copy is unaffected.
type Sink func(ev *store.TransferEvent) error

// TailerConfig holds the live ingestion settings.
type TailerConfig struct {
	Contract common.Address

	// PollInterval is the head poll cadence used when the endpoint
	// cannot serve push notifications (default 5s).
	PollInterval time.Duration

	Sink   Sink
	Logger log.Logger
}

func (cfg TailerConfig) withDefaults() TailerConfig {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return cfg
}

// Tailer ingests Transfer logs as they are emitted: each one is
// decoded, persisted, reflected in the realtime-sync cursor and finally
// offered to the sink. Any per-event failure drops that event and keeps
// the stream alive; at-least-once storage is the guarantee, push
// delivery is best effort.
type Tailer struct {
	client Client
	store  *store.Store
	cfg    TailerConfig
	log    log.Logger

	running atomic.Bool
}

// NewTailer creates a live tailer over the given upstream client and
// event store.
func NewTailer(client Client, st *store.Store, cfg TailerConfig) *Tailer {
	cfg = cfg.withDefaults()
	return &Tailer{
		client: client,
		store:  st,
		cfg:    cfg,
		log:    cfg.Logger.New("component", "tailer"),
	}
}

// Run consumes the live log stream until ctx ends. The upstream
// subscription is restored with capped backoff whenever it breaks, and
// endpoints without notification support are followed by polling
// instead. Only one Run may be active at a time.
func (t *Tailer) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)

	q := transferQuery(t.cfg.Contract)
	logs := make(chan types.Log, 128)

	sub := event.ResubscribeErr(resubscribeBackoffMax, func(rctx context.Context, lastErr error) (event.Subscription, error) {
		if lastErr != nil {
			t.log.Warn("Live log stream interrupted, restarting", "err", lastErr)
		}
		sub, err := t.client.SubscribeFilterLogs(rctx, q, logs)
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			t.log.Info("Endpoint lacks notification support, polling for logs",
				"interval", t.cfg.PollInterval)
			return t.pollLogs(q, logs), nil
		}
		return sub, err
	})
	defer sub.Unsubscribe()
	t.log.Info("Live tailer started", "contract", t.cfg.Contract)

	for {
		select {
		case lg := <-logs:
			t.handleLog(ctx, &lg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pollLogs emulates a log subscription on poll-only transports: every
// tick, blocks past the last seen head are range-filtered and their
// logs pushed into sink. The producer context is detached from the
// subscribe attempt and ends with the subscription itself.
func (t *Tailer) pollLogs(q ethereum.FilterQuery, sink chan<- types.Log) event.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-quit:
				cancel()
			case <-stop:
			}
		}()

		last, err := t.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		ticker := time.NewTicker(t.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return nil
			case <-ticker.C:
				head, err := t.client.BlockNumber(ctx)
				if err != nil {
					return err
				}
				if head <= last {
					continue
				}
				rq := q
				rq.FromBlock = new(big.Int).SetUint64(last + 1)
				rq.ToBlock = new(big.Int).SetUint64(head)
				found, err := t.client.FilterLogs(ctx, rq)
				if err != nil {
					return err
				}
				for _, lg := range found {
					select {
					case sink <- lg:
					case <-quit:
						return nil
					}
				}
				last = head
			}
		}
	})
}

// handleLog runs one live event through the pipeline. Errors never
// propagate: the event is dropped and the stream moves on.
func (t *Tailer) handleLog(ctx context.Context, lg *types.Log) {
	if lg.Removed {
		liveDropMeter.Mark(1)
		t.log.Debug("Ignoring removed log", "tx", lg.TxHash, "index", lg.Index)
		return
	}
	header, err := t.client.HeaderByNumber(ctx, lg.BlockNumber)
	if err != nil {
		liveDropMeter.Mark(1)
		t.log.Warn("Dropping live event, header fetch failed",
			"block", lg.BlockNumber, "err", err)
		return
	}
	ev, err := decodeTransfer(lg, header.Time)
	if err != nil {
		liveDropMeter.Mark(1)
		t.log.Warn("Dropping undecodable live log", "tx", lg.TxHash, "index", lg.Index, "err", err)
		return
	}
	if _, _, err := t.store.SaveEvents(ctx, []*store.TransferEvent{ev}); err != nil {
		liveDropMeter.Mark(1)
		t.log.Error("Failed to store live event", "tx", ev.TxHash, "index", ev.LogIndex, "err", err)
		return
	}
	if err := t.store.AdvanceCursor(ctx, store.RealtimeCursor, ev.BlockNumber); err != nil {
		// The event itself is safe; only the observability cursor lagged.
		t.log.Warn("Failed to advance realtime cursor", "block", ev.BlockNumber, "err", err)
	}
	liveEventMeter.Mark(1)
	liveCursorGauge.Update(int64(ev.BlockNumber))

	if t.cfg.Sink != nil {
		if err := t.cfg.Sink(ev); err != nil {
			sinkErrorMeter.Mark(1)
			t.log.Warn("Sink rejected event", "tx", ev.TxHash, "index", ev.LogIndex, "err", err)
		}
	}
}
