package indexer

import "github.com/ethereum/go-ethereum/metrics"

var (
	locatorProbeMeter = metrics.NewRegisteredMeter("indexer/locator/probes", nil)

	batchMeter         = metrics.NewRegisteredMeter("indexer/backfill/batches", nil)
	batchThrottleMeter = metrics.NewRegisteredMeter("indexer/backfill/throttled", nil)
	batchSkipMeter     = metrics.NewRegisteredMeter("indexer/backfill/skipped", nil)
	batchCursorGauge   = metrics.NewRegisteredGauge("indexer/backfill/cursor", nil)
	batchSizeGauge     = metrics.NewRegisteredGauge("indexer/backfill/batchsize", nil)

	liveEventMeter  = metrics.NewRegisteredMeter("indexer/tail/events", nil)
	liveDropMeter   = metrics.NewRegisteredMeter("indexer/tail/dropped", nil)
	liveCursorGauge = metrics.NewRegisteredGauge("indexer/tail/cursor", nil)
	sinkErrorMeter  = metrics.NewRegisteredMeter("indexer/tail/sinkerrors", nil)
)
