package indexer

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/transferscan/transferscan/store"
)

// fakeClient implements Client in memory. The contract's creation block
// drives NonceAt; FilterLogs and SubscribeFilterLogs are pluggable.
type fakeClient struct {
	mu sync.Mutex

	chainID  *big.Int
	head     uint64
	headErr  error
	code     []byte
	codeErr  error
	creation uint64 // first block with non-zero nonce, 0 means never
	nonceErr error

	logsFn func(q ethereum.FilterQuery) ([]types.Log, error)
	subFn  func(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)

	probes  []uint64
	queries []ethereum.FilterQuery
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	if f.chainID == nil {
		return big.NewInt(1), nil
	}
	return new(big.Int).Set(f.chainID), nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeClient) setHead(head uint64) {
	f.mu.Lock()
	f.head = head
	f.mu.Unlock()
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(number), Time: number * 12}, nil
}

func (f *fakeClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code, f.codeErr
}

func (f *fakeClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	block := blockNumber.Uint64()
	f.mu.Lock()
	f.probes = append(f.probes, block)
	f.mu.Unlock()
	if f.creation != 0 && block >= f.creation {
		return 1, nil
	}
	return 0, nil
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	fn := f.logsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(q)
	}
	return nil, nil
}

func (f *fakeClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if f.subFn != nil {
		return f.subFn(ctx, q, ch)
	}
	return nil, rpc.ErrNotificationsUnsupported
}

func (f *fakeClient) recordedQueries() []ethereum.FilterQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ethereum.FilterQuery, len(f.queries))
	copy(out, f.queries)
	return out
}

// chanSub is a hand-rolled subscription whose error channel closes on
// Unsubscribe, matching the ethereum.Subscription contract.
type chanSub struct {
	errc chan error
	once sync.Once
}

func newChanSub() *chanSub { return &chanSub{errc: make(chan error, 1)} }

func (s *chanSub) Err() <-chan error { return s.errc }
func (s *chanSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func transferLog(from, to common.Address, value *big.Int, block uint64, tx string, index uint) types.Log {
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{TransferTopic, addressTopic(from), addressTopic(to)},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "indexer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
