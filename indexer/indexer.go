// Package indexer contains the ingestion pipeline: locating the block a
// token contract was created in, backfilling its historical Transfer
// logs in adaptive batches, and tailing new logs live. All upstream
// access goes through the shared gateway so the pipeline as a whole
// respects one queue, one concurrency cap and one throttle gate.
package indexer

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrContractNotFound means the configured address holds no code on
	// the connected chain.
	ErrContractNotFound = errors.New("no contract code at address")

	// ErrAlreadyRunning is returned when a second Run is attempted while
	// one is still active.
	ErrAlreadyRunning = errors.New("already running")
)

// Client is the subset of upstream methods the pipeline uses.
// *gateway.Client implements it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// transferQuery builds the log filter matching Transfer events of the
// given contract.
func transferQuery(contract common.Address) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{TransferTopic}},
	}
}

// sleepCtx sleeps for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
