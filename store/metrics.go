package store

import "github.com/ethereum/go-ethereum/metrics"

var (
	eventInsertMeter = metrics.NewRegisteredMeter("store/events/inserted", nil)
	eventIgnoreMeter = metrics.NewRegisteredMeter("store/events/ignored", nil)

	saveTimer  = metrics.NewRegisteredTimer("store/save", nil)
	queryTimer = metrics.NewRegisteredTimer("store/query", nil)
)
