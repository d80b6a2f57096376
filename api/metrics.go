package api

import "github.com/ethereum/go-ethereum/metrics"

var (
	requestMeter      = metrics.NewRegisteredMeter("api/requests", nil)
	errorMeter        = metrics.NewRegisteredMeter("api/errors", nil)
	throttleDropMeter = metrics.NewRegisteredMeter("api/throttled", nil)

	wsClientGauge = metrics.NewRegisteredGauge("api/ws/clients", nil)
	wsPushMeter   = metrics.NewRegisteredMeter("api/ws/pushed", nil)
	wsDropMeter   = metrics.NewRegisteredMeter("api/ws/dropped", nil)
)
