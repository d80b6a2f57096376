package gateway

import "github.com/ethereum/go-ethereum/metrics"

var (
	requestMeter  = metrics.NewRegisteredMeter("gateway/requests", nil)
	retryMeter    = metrics.NewRegisteredMeter("gateway/retries", nil)
	throttleMeter = metrics.NewRegisteredMeter("gateway/throttled", nil)

	queueGauge    = metrics.NewRegisteredGauge("gateway/queue", nil)
	inflightGauge = metrics.NewRegisteredGauge("gateway/inflight", nil)

	callTimer = metrics.NewRegisteredTimer("gateway/call", nil)

	headerCacheHitMeter  = metrics.NewRegisteredMeter("gateway/headers/hit", nil)
	headerCacheMissMeter = metrics.NewRegisteredMeter("gateway/headers/miss", nil)
)
