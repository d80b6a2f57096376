package gateway

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// headerCacheSize bounds the per-client header cache. Headers are
// immutable per block number within a run, and neighbouring logs share
// blocks, so a modest cache absorbs most timestamp lookups.
const headerCacheSize = 1024

// Client exposes the typed Ethereum methods the indexer needs. Every
// data call is funneled through the gateway queue; only the log
// subscription talks to the transport directly, since push delivery
// cannot be scheduled.
type Client struct {
	gw      *Gateway
	headers *lru.Cache[uint64, *types.Header]
}

// NewClient wraps a gateway in the typed call surface.
func NewClient(gw *Gateway) *Client {
	return &Client{
		gw:      gw,
		headers: lru.NewCache[uint64, *types.Header](headerCacheSize),
	}
}

// ChainID returns the memoized chain id of the upstream endpoint.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.gw.ChainID(ctx)
}

// BlockNumber returns the current head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	err := c.gw.Call(ctx, &result, "eth_blockNumber")
	return uint64(result), err
}

// HeaderByNumber returns the header of the given block, serving repeats
// from the cache.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	if head, ok := c.headers.Get(number); ok {
		headerCacheHitMeter.Mark(1)
		return head, nil
	}
	headerCacheMissMeter.Mark(1)

	var head *types.Header
	err := c.gw.Call(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, ethereum.NotFound
	}
	c.headers.Add(number, head)
	return head, nil
}

// CodeAt returns the contract code at the given account. A nil block
// number queries the latest state.
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var result hexutil.Bytes
	err := c.gw.Call(ctx, &result, "eth_getCode", account, toBlockNumArg(blockNumber))
	return result, err
}

// NonceAt returns the account's transaction count at the given block.
// A nil block number queries the latest state.
func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	var result hexutil.Uint64
	err := c.gw.Call(ctx, &result, "eth_getTransactionCount", account, toBlockNumArg(blockNumber))
	return uint64(result), err
}

// FilterLogs executes a log filter query against the upstream node.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	arg, err := toFilterArg(q)
	if err != nil {
		return nil, err
	}
	var result []types.Log
	err = c.gw.Call(ctx, &result, "eth_getLogs", arg)
	return result, err
}

// logSubscriber is the optional push capability of the transport.
// *rpc.Client provides it; plain HTTP transports do not.
type logSubscriber interface {
	EthSubscribe(ctx context.Context, channel interface{}, args ...interface{}) (*rpc.ClientSubscription, error)
}

// SubscribeFilterLogs registers a live log subscription on the upstream
// endpoint. Subscriptions bypass the call queue: they are a push
// channel, not a request. Transports without notification support
// return rpc.ErrNotificationsUnsupported, which callers may use to fall
// back to polling.
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub, ok := c.gw.conn.(logSubscriber)
	if !ok {
		return nil, rpc.ErrNotificationsUnsupported
	}
	arg, err := toFilterArg(q)
	if err != nil {
		return nil, err
	}
	return sub.EthSubscribe(ctx, ch, "logs", arg)
}

func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}

func toFilterArg(q ethereum.FilterQuery) (interface{}, error) {
	arg := map[string]interface{}{
		"address": q.Addresses,
		"topics":  q.Topics,
	}
	if q.BlockHash != nil {
		arg["blockHash"] = *q.BlockHash
		if q.FromBlock != nil || q.ToBlock != nil {
			return nil, errors.New("cannot specify both BlockHash and FromBlock/ToBlock")
		}
	} else {
		if q.FromBlock == nil {
			arg["fromBlock"] = "0x0"
		} else {
			arg["fromBlock"] = toBlockNumArg(q.FromBlock)
		}
		arg["toBlock"] = toBlockNumArg(q.ToBlock)
	}
	return arg, nil
}
