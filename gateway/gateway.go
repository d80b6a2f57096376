// Package gateway funnels every upstream JSON-RPC call through a single
// scheduler that enforces a strict FIFO order, a hard cap on simultaneous
// in-flight calls and a global throttle gate. Rate-limited calls are
// retried with jittered exponential backoff while the gate holds all
// other traffic back, so one noisy burst cannot turn into an upstream
// ban for the whole process.
package gateway

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/singleflight"
)

// ErrStopped is returned for calls submitted to a gateway that has shut
// down, and for calls still queued when shutdown begins.
var ErrStopped = errors.New("gateway stopped")

// Caller is the JSON-RPC transport the gateway schedules calls onto.
// *rpc.Client implements Caller.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// jitterMax bounds the random component added to every retry delay.
const jitterMax = time.Second

// Config holds the gateway settings.
type Config struct {
	MaxInFlight int           // simultaneous upstream calls (default 5)
	MaxRetries  int           // rate-limit retries per request (default 5)
	RetryBase   time.Duration // first retry delay before jitter (default 1s)
	RetryCap    time.Duration // ceiling on any retry delay (default 30s)

	// RateLimited classifies transport errors as rate-limit rejections.
	// Defaults to IsRateLimited.
	RateLimited func(error) bool

	Clock  mclock.Clock // defaults to mclock.System
	Logger log.Logger   // defaults to log.Root()
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Second
	}
	if cfg.RateLimited == nil {
		cfg.RateLimited = IsRateLimited
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return cfg
}

// request is one queued upstream call. attempts counts completed tries;
// readyAt holds a retried request back until its backoff has elapsed.
type request struct {
	ctx     context.Context
	method  string
	args    []interface{}
	result  interface{}
	resp    chan error // buffered, exactly one reply

	attempts int
	readyAt  mclock.AbsTime
}

func (r *request) reply(err error) {
	r.resp <- err
}

type completion struct {
	req *request
	err error
}

// Gateway serializes scheduling of upstream calls. All queue, in-flight
// and gate state belongs to the pump goroutine; other goroutines only
// exchange messages with it.
type Gateway struct {
	cfg   Config
	conn  Caller
	clock mclock.Clock
	log   log.Logger

	reqCh  chan *request
	doneCh chan completion

	quit     chan struct{}
	pumpDone chan struct{}
	stopOnce sync.Once

	closeConn func() // set by Dial, closes the owned rpc client

	chainFlight singleflight.Group
	chainMu     sync.Mutex
	chainID     *big.Int
}

// New creates a gateway on top of an existing transport and starts its
// pump. The caller owns the transport's lifecycle.
func New(conn Caller, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:   cfg,
		conn:  conn,
		clock: cfg.Clock,
		log:   cfg.Logger.New("component", "gateway"),
		reqCh: make(chan *request),
		// Buffer one slot per in-flight call so workers never block on
		// completion delivery, whatever state the pump is in.
		doneCh:   make(chan completion, cfg.MaxInFlight),
		quit:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go g.pump()
	return g
}

// Dial connects to the given JSON-RPC endpoint and wraps it in a
// gateway. The transport is closed again when the gateway stops.
func Dial(ctx context.Context, url string, cfg Config) (*Gateway, error) {
	conn, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	g := New(conn, cfg)
	g.closeConn = conn.Close
	return g, nil
}

// Stop shuts the gateway down: queued requests fail with ErrStopped,
// in-flight calls are aborted and answered with their abort error. Stop
// blocks until the pump has exited and is safe to call more than once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.quit)
		<-g.pumpDone
		if g.closeConn != nil {
			g.closeConn()
		}
	})
}

// Call submits an upstream call and blocks until it completes, fails, or
// ctx is done. Requests are dispatched strictly in submission order, and
// rate-limited attempts are retried transparently up to the configured
// budget before the last error is surfaced unchanged.
func (g *Gateway) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	req := &request{
		ctx:    ctx,
		method: method,
		args:   args,
		result: result,
		resp:   make(chan error, 1),
	}
	select {
	case g.reqCh <- req:
	case <-g.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	requestMeter.Mark(1)

	// The pump guarantees a reply for every accepted request, including
	// during shutdown.
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChainID returns the chain id of the upstream endpoint. The first
// successful probe is memoized for the lifetime of the process and
// concurrent first probes are coalesced into a single upstream call.
func (g *Gateway) ChainID(ctx context.Context) (*big.Int, error) {
	g.chainMu.Lock()
	cached := g.chainID
	g.chainMu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	v, err, _ := g.chainFlight.Do("eth_chainId", func() (interface{}, error) {
		var raw hexutil.Big
		if err := g.Call(ctx, &raw, "eth_chainId"); err != nil {
			return nil, err
		}
		id := (*big.Int)(&raw)
		g.chainMu.Lock()
		g.chainID = id
		g.chainMu.Unlock()
		return id, nil
	})
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(v.(*big.Int)), nil
}

// pump owns the FIFO queue, the in-flight counter and the throttle gate.
func (g *Gateway) pump() {
	defer close(g.pumpDone)

	var (
		queue     []*request
		inflight  int
		gateUntil mclock.AbsTime

		wakeTimer mclock.ChanTimer
		wakeC     <-chan mclock.AbsTime
		wakeAt    mclock.AbsTime
	)

	// arm schedules a pump wakeup at the given time unless an earlier
	// one is already pending.
	arm := func(at mclock.AbsTime) {
		if wakeTimer != nil {
			if wakeAt <= at {
				return
			}
			wakeTimer.Stop()
		}
		d := at.Sub(g.clock.Now())
		if d < 0 {
			d = 0
		}
		wakeTimer = g.clock.NewTimer(d)
		wakeC = wakeTimer.C()
		wakeAt = at
	}

	// dispatch starts queued requests while the cap, the gate and the
	// head's own backoff allow it. FIFO order is never violated: a head
	// that is not ready blocks everything behind it.
	dispatch := func() {
		for inflight < g.cfg.MaxInFlight && len(queue) > 0 {
			now := g.clock.Now()
			if gateUntil > now {
				arm(gateUntil)
				break
			}
			head := queue[0]
			if head.readyAt > now {
				arm(head.readyAt)
				break
			}
			queue = queue[1:]
			if err := head.ctx.Err(); err != nil {
				head.reply(err)
				continue
			}
			inflight++
			go g.invoke(head)
		}
		queueGauge.Update(int64(len(queue)))
		inflightGauge.Update(int64(inflight))
	}

	for {
		dispatch()

		select {
		case req := <-g.reqCh:
			queue = append(queue, req)

		case c := <-g.doneCh:
			inflight--
			g.complete(c, &queue, &gateUntil)

		case <-wakeC:
			wakeTimer, wakeC = nil, nil

		case <-g.quit:
			for _, req := range queue {
				req.reply(ErrStopped)
			}
			queue = nil
			// In-flight calls have been aborted through their contexts;
			// collect them so every caller gets its answer.
			for inflight > 0 {
				c := <-g.doneCh
				c.req.reply(c.err)
				inflight--
			}
			if wakeTimer != nil {
				wakeTimer.Stop()
			}
			return
		}
	}
}

// complete handles one finished attempt inside the pump: a rate-limited
// attempt closes the gate for everyone and re-enters the queue at the
// tail, anything else is answered to the caller as-is.
func (g *Gateway) complete(c completion, queue *[]*request, gateUntil *mclock.AbsTime) {
	req := c.req
	if c.err == nil || !g.cfg.RateLimited(c.err) {
		req.reply(c.err)
		return
	}

	throttleMeter.Mark(1)
	delay := g.backoff(req.attempts)
	until := g.clock.Now().Add(delay)
	if until > *gateUntil {
		*gateUntil = until
	}
	if req.attempts >= g.cfg.MaxRetries {
		g.log.Warn("Rate limit retries exhausted", "method", req.method, "attempts", req.attempts)
		req.reply(c.err)
		return
	}
	req.attempts++
	req.readyAt = until
	*queue = append(*queue, req)
	retryMeter.Mark(1)
	g.log.Debug("Upstream rate limited, retrying", "method", req.method, "attempt", req.attempts, "delay", delay)
}

// backoff computes the delay before retry n (counting completed
// attempts), doubling from the base with uniform jitter and a hard cap.
func (g *Gateway) backoff(attempts int) time.Duration {
	d := g.cfg.RetryBase << uint(attempts)
	if d <= 0 || d > g.cfg.RetryCap {
		return g.cfg.RetryCap
	}
	d += time.Duration(rand.Int63n(int64(jitterMax)))
	if d > g.cfg.RetryCap {
		d = g.cfg.RetryCap
	}
	return d
}

// invoke performs one upstream attempt outside the pump. The call is
// additionally aborted when the gateway shuts down.
func (g *Gateway) invoke(req *request) {
	ctx, cancel := context.WithCancel(req.ctx)
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-g.quit:
			cancel()
		case <-watchDone:
		}
	}()

	start := time.Now()
	err := g.conn.CallContext(ctx, req.result, req.method, req.args...)
	callTimer.UpdateSince(start)
	close(watchDone)

	g.doneCh <- completion{req: req, err: err}
}
