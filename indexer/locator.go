package indexer

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// defaultFloors holds per-chain lower bounds for the creation search.
// Public testnets carry long stretches of early blocks that predate any
// token activity; starting the search above them saves probes.
var defaultFloors = map[uint64]uint64{
	11155111: 2_000_000, // Sepolia
	17000:    100_000,   // Holesky
}

// Locator finds the block in which a contract was created. Contract
// accounts are born with a non-zero nonce, so the transaction count at
// a block is a monotonic zero-to-nonzero signal that a binary search
// can cut on. The search costs O(log head) upstream probes; results
// are cached for the lifetime of the process.
type Locator struct {
	client   Client
	fallback uint64 // configured start block, 0 when unset
	log      log.Logger

	mu     sync.Mutex
	floors map[uint64]uint64
	cache  map[common.Address]uint64
}

// NewLocator creates a locator. fallback is the operator-configured
// start block used when the search cannot complete; zero means "from
// the first block".
func NewLocator(client Client, fallback uint64, logger log.Logger) *Locator {
	if logger == nil {
		logger = log.Root()
	}
	floors := make(map[uint64]uint64, len(defaultFloors))
	for id, block := range defaultFloors {
		floors[id] = block
	}
	return &Locator{
		client:   client,
		fallback: fallback,
		log:      logger.New("component", "locator"),
		floors:   floors,
		cache:    make(map[common.Address]uint64),
	}
}

// Floor overrides the lowest block worth probing on the given chain.
func (l *Locator) Floor(chainID, block uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.floors[chainID] = block
}

// Locate returns the creation block of the contract, or the configured
// fallback when the chain cannot be searched. A contract that holds no
// code at the current head fails with ErrContractNotFound.
func (l *Locator) Locate(ctx context.Context, contract common.Address) (uint64, error) {
	l.mu.Lock()
	if block, ok := l.cache[contract]; ok {
		l.mu.Unlock()
		return block, nil
	}
	l.mu.Unlock()

	code, err := l.client.CodeAt(ctx, contract, nil)
	if err != nil {
		l.log.Warn("Code preflight failed, using fallback start", "contract", contract, "err", err)
		return l.fallbackStart(), nil
	}
	if len(code) == 0 {
		return 0, ErrContractNotFound
	}

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		l.log.Warn("Head fetch failed, using fallback start", "err", err)
		return l.fallbackStart(), nil
	}

	lo := l.searchFloor(ctx)
	hi := head
	probes := 0
	for lo < hi {
		mid := lo + (hi-lo)/2
		nonce, err := l.client.NonceAt(ctx, contract, new(big.Int).SetUint64(mid))
		if err != nil {
			l.log.Warn("Creation search aborted, using fallback start",
				"contract", contract, "block", mid, "err", err)
			return l.fallbackStart(), nil
		}
		probes++
		if nonce > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	l.log.Info("Creation block located", "contract", contract, "block", lo, "probes", probes)
	locatorProbeMeter.Mark(int64(probes))

	l.mu.Lock()
	l.cache[contract] = lo
	l.mu.Unlock()
	return lo, nil
}

// searchFloor returns the lower search bound for the connected chain.
func (l *Locator) searchFloor(ctx context.Context) uint64 {
	chainID, err := l.client.ChainID(ctx)
	if err != nil || !chainID.IsUint64() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floors[chainID.Uint64()]
}

// fallbackStart is the best-effort answer when searching is impossible:
// the configured start block, or block one when none is set.
func (l *Locator) fallbackStart() uint64 {
	if l.fallback > 0 {
		return l.fallback
	}
	return 1
}
