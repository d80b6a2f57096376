package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/transferscan/transferscan/gateway"
	"github.com/transferscan/transferscan/store"
)

const (
	// minBatchSize is the floor adaptive halving stops at.
	minBatchSize = 10
	// growAfter is the number of consecutive clean batches before the
	// batch size doubles back towards its initial value.
	growAfter = 5

	// Throttle sleeps double per consecutive rate-limit event. Once the
	// batch size sits at the floor there is nothing left to shrink, so
	// the longer schedule is the only remaining lever.
	throttleSleepBase = time.Second
	throttleSleepCap  = time.Minute
	floorSleepBase    = 5 * time.Second
	floorSleepCap     = 5 * time.Minute
)

// BackfillConfig holds the historical scan settings.
type BackfillConfig struct {
	Contract   common.Address
	StartBlock uint64 // operator-configured origin, 0 when unset
	BatchSize  uint64 // initial and maximum batch size (default 1000)

	// RateLimited classifies errors surfaced by the upstream client.
	// Defaults to gateway.IsRateLimited.
	RateLimited func(error) bool

	Logger log.Logger
}

func (cfg BackfillConfig) withDefaults() BackfillConfig {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.BatchSize < minBatchSize {
		cfg.BatchSize = minBatchSize
	}
	if cfg.RateLimited == nil {
		cfg.RateLimited = gateway.IsRateLimited
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return cfg
}

// Backfill walks the contract's history from its creation block (or the
// stored cursor) up to the chain head observed at startup, fetching
// Transfer logs in adaptive batches and persisting them together with
// the batch-sync cursor.
type Backfill struct {
	client  Client
	store   *store.Store
	locator *Locator
	cfg     BackfillConfig
	log     log.Logger

	running atomic.Bool

	// sleep is swapped out in tests to observe the throttle schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBackfill creates a backfill engine using the given upstream client
// and event store.
func NewBackfill(client Client, st *store.Store, cfg BackfillConfig) *Backfill {
	cfg = cfg.withDefaults()
	return &Backfill{
		client:  client,
		store:   st,
		locator: NewLocator(client, cfg.StartBlock, cfg.Logger),
		cfg:     cfg,
		log:     cfg.Logger.New("component", "backfill"),
		sleep:   sleepCtx,
	}
}

// Run performs one backfill pass and returns when the head captured at
// startup has been reached. Only one pass may be active at a time;
// concurrent calls fail with ErrAlreadyRunning. Blocks past the
// captured head are the live tailer's responsibility.
func (b *Backfill) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	start, err := b.startBlock(ctx)
	if err != nil {
		return err
	}
	head, err := b.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetch chain head: %w", err)
	}
	if start > head {
		b.log.Info("Backfill already caught up", "cursor", start-1, "head", head)
		return nil
	}
	b.log.Info("Backfill starting", "from", start, "head", head, "batch", b.cfg.BatchSize)

	var (
		batch         = b.cfg.BatchSize
		successStreak int
		failStreak    int
		from          = start
		total         int
	)
	for from <= head {
		if err := ctx.Err(); err != nil {
			return err
		}
		to := from + batch - 1
		if to > head {
			to = head
		}

		inserted, err := b.processRange(ctx, from, to)
		switch {
		case err == nil:
			total += inserted
			failStreak = 0
			successStreak++
			if successStreak >= growAfter && batch < b.cfg.BatchSize {
				batch *= 2
				if batch > b.cfg.BatchSize {
					batch = b.cfg.BatchSize
				}
				successStreak = 0
				batchSizeGauge.Update(int64(batch))
				b.log.Info("Batch size restored", "batch", batch)
			}
			from = to + 1

		case b.cfg.RateLimited(err):
			batchThrottleMeter.Mark(1)
			successStreak = 0
			failStreak++
			atFloor := batch == minBatchSize
			if !atFloor {
				batch /= 2
				if batch < minBatchSize {
					batch = minBatchSize
				}
				batchSizeGauge.Update(int64(batch))
			}
			pause := throttleSleep(failStreak, atFloor)
			b.log.Warn("Backfill rate limited", "from", from, "to", to,
				"batch", batch, "pause", pause)
			if err := b.sleep(ctx, pause); err != nil {
				return err
			}
			// Same range is retried with the reduced batch size.

		default:
			batchSkipMeter.Mark(1)
			successStreak = 0
			failStreak = 0
			b.log.Error("Batch failed, skipping range", "from", from, "to", to, "err", err)
			from = to + 1
		}
	}

	b.log.Info("Backfill complete", "head", head, "events", total)
	return nil
}

// startBlock resolves where scanning should begin: right after the
// stored cursor when one exists, at the configured start block when one
// is given, and otherwise at the contract's creation block. The cursor
// row is initialized one block before the start.
func (b *Backfill) startBlock(ctx context.Context) (uint64, error) {
	cursor, ok, err := b.store.Cursor(ctx, store.BatchCursor)
	if err != nil {
		return 0, err
	}
	if ok {
		b.log.Info("Resuming from stored cursor", "block", cursor)
		return cursor + 1, nil
	}

	start := b.cfg.StartBlock
	if start == 0 {
		creation, err := b.locator.Locate(ctx, b.cfg.Contract)
		if errors.Is(err, ErrContractNotFound) {
			// A full scan of empty history is wasted probes, not a
			// stall; the contract may simply not be deployed yet.
			b.log.Warn("Contract has no code at head, scanning from block one",
				"contract", b.cfg.Contract)
			creation = 1
		} else if err != nil {
			return 0, err
		}
		if creation == 0 {
			creation = 1
		}
		start = creation
	}
	// Losing a creation race simply adopts the other writer's cursor.
	cursor, err = b.store.CreateCursor(ctx, store.BatchCursor, start-1)
	if err != nil {
		return 0, err
	}
	return cursor + 1, nil
}

// processRange fetches, decodes and persists one inclusive block range,
// then advances the batch cursor to its end. Logs that fail to decode
// are dropped with a warning; the batch itself still completes.
func (b *Backfill) processRange(ctx context.Context, from, to uint64) (int, error) {
	q := transferQuery(b.cfg.Contract)
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := b.client.FilterLogs(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("fetch logs [%d, %d]: %w", from, to, err)
	}

	events := make([]*store.TransferEvent, 0, len(logs))
	for i := range logs {
		lg := &logs[i]
		if lg.Removed {
			continue
		}
		header, err := b.client.HeaderByNumber(ctx, lg.BlockNumber)
		if err != nil {
			return 0, fmt.Errorf("fetch header %d: %w", lg.BlockNumber, err)
		}
		ev, err := decodeTransfer(lg, header.Time)
		if err != nil {
			b.log.Warn("Dropping undecodable log", "tx", lg.TxHash, "index", lg.Index, "err", err)
			continue
		}
		events = append(events, ev)
	}

	inserted, ignored, err := b.store.SaveEvents(ctx, events)
	if err != nil {
		return 0, fmt.Errorf("save batch [%d, %d]: %w", from, to, err)
	}
	if err := b.store.AdvanceCursor(ctx, store.BatchCursor, to); err != nil {
		return 0, err
	}
	batchMeter.Mark(1)
	batchCursorGauge.Update(int64(to))
	b.log.Debug("Batch indexed", "from", from, "to", to,
		"logs", len(logs), "inserted", inserted, "ignored", ignored)
	return inserted, nil
}

// throttleSleep is the pause after failStreak consecutive rate-limit
// events, on the normal or floor schedule.
func throttleSleep(failStreak int, atFloor bool) time.Duration {
	base, limit := throttleSleepBase, throttleSleepCap
	if atFloor {
		base, limit = floorSleepBase, floorSleepCap
	}
	if failStreak > 10 {
		failStreak = 10
	}
	d := base << uint(failStreak)
	if d <= 0 || d > limit {
		return limit
	}
	return d
}
