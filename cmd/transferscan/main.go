// transferscan indexes the Transfer history of one ERC-20 contract: it
// backfills past logs through a rate-limit aware RPC gateway, follows
// the live stream, and serves the result over HTTP and websocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"
	"github.com/urfave/cli/v2"

	"github.com/transferscan/transferscan/api"
	"github.com/transferscan/transferscan/gateway"
	"github.com/transferscan/transferscan/indexer"
	"github.com/transferscan/transferscan/store"
)

var (
	rpcURLFlag = &cli.StringFlag{
		Name:    "rpc.url",
		Usage:   "Ethereum JSON-RPC endpoint (http, ws or ipc)",
		EnvVars: []string{"RPC_URL"},
		Value:   "http://127.0.0.1:8545",
	}
	contractFlag = &cli.StringFlag{
		Name:    "contract",
		Usage:   "Address of the ERC-20 contract to index",
		EnvVars: []string{"CONTRACT_ADDRESS"},
	}
	startBlockFlag = &cli.Uint64Flag{
		Name:    "start.block",
		Usage:   "Fallback first block when the deployment block cannot be located",
		EnvVars: []string{"START_BLOCK"},
	}
	dbFlag = &cli.StringFlag{
		Name:    "db",
		Usage:   "Path of the event database",
		EnvVars: []string{"DB_NAME"},
		Value:   "transferscan.db",
	}
	batchSizeFlag = &cli.Uint64Flag{
		Name:    "batch.size",
		Usage:   "Initial backfill batch size in blocks",
		EnvVars: []string{"INITIAL_BATCH_SIZE"},
		Value:   1000,
	}
	httpAddrFlag = &cli.StringFlag{
		Name:    "http.addr",
		Usage:   "HTTP API listen address",
		EnvVars: []string{"HTTP_ADDR"},
		Value:   "127.0.0.1:8080",
	}
	corsFlag = &cli.StringFlag{
		Name:  "http.corsdomain",
		Usage: "Comma separated list of domains from which to accept cross origin requests (browser enforced)",
	}
	wsFlag = &cli.BoolFlag{
		Name:  "ws.enabled",
		Usage: "Serve the websocket push channel on /ws",
		Value: true,
	}
	rpsFlag = &cli.Float64Flag{
		Name:  "ratelimit.rps",
		Usage: "Per-client request rate on the data endpoints (0 disables throttling)",
		Value: 10,
	}
	burstFlag = &cli.IntFlag{
		Name:  "ratelimit.burst",
		Usage: "Per-client request burst allowance",
		Value: 20,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable metrics collection and reporting",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Metrics reporting HTTP listen address",
		Value: "127.0.0.1:6060",
	}
)

var app = &cli.App{
	Name:   filepath.Base(os.Args[0]),
	Usage:  "the ERC-20 transfer indexer",
	Action: run,
	Flags: []cli.Flag{
		rpcURLFlag,
		contractFlag,
		startBlockFlag,
		dbFlag,
		batchSizeFlag,
		httpAddrFlag,
		corsFlag,
		wsFlag,
		rpsFlag,
		burstFlag,
		verbosityFlag,
		metricsFlag,
		metricsAddrFlag,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	setDefaultLogger(cliCtx.Int(verbosityFlag.Name))

	if cliCtx.Bool(metricsFlag.Name) {
		metrics.Enabled = true
		exp.Setup(cliCtx.String(metricsAddrFlag.Name))
		go metrics.CollectProcessMetrics(3 * time.Second)
	}

	rawContract := cliCtx.String(contractFlag.Name)
	if rawContract == "" {
		return errors.New("no contract given (set --contract or CONTRACT_ADDRESS)")
	}
	if !common.IsHexAddress(rawContract) {
		return fmt.Errorf("invalid contract address %q", rawContract)
	}
	contract := common.HexToAddress(rawContract)

	st, err := store.Open(cliCtx.String(dbFlag.Name))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcURL := cliCtx.String(rpcURLFlag.Name)
	gw, err := gateway.Dial(ctx, rpcURL, gateway.Config{})
	if err != nil {
		return fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	defer gw.Stop()
	client := gateway.NewClient(gw)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id probe: %w", err)
	}
	log.Info("Starting transfer indexer",
		"chain", chainID, "contract", contract, "db", cliCtx.String(dbFlag.Name))

	srv := api.NewServer(st, client, api.Config{
		Addr:          cliCtx.String(httpAddrFlag.Name),
		Contract:      contract,
		CORSOrigins:   splitAndTrim(cliCtx.String(corsFlag.Name)),
		WSEnabled:     cliCtx.Bool(wsFlag.Name),
		ThrottleRPS:   cliCtx.Float64(rpsFlag.Name),
		ThrottleBurst: cliCtx.Int(burstFlag.Name),
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	var wg sync.WaitGroup

	tailer := indexer.NewTailer(client, st, indexer.TailerConfig{
		Contract: contract,
		Sink:     srv.Broadcast,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tailer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Live tailer failed", "err", err)
		}
	}()

	backfill := indexer.NewBackfill(client, st, indexer.BackfillConfig{
		Contract:   contract,
		StartBlock: cliCtx.Uint64(startBlockFlag.Name),
		BatchSize:  cliCtx.Uint64(batchSizeFlag.Name),
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		switch err := backfill.Run(ctx); {
		case err == nil:
			log.Info("Backfill caught up, live stream continues")
		case errors.Is(err, context.Canceled):
		case errors.Is(err, indexer.ErrContractNotFound):
			// The tailer stays up: the contract may simply not be
			// deployed yet on this chain.
			log.Error("Contract has no code on this chain", "contract", contract)
		default:
			log.Error("Backfill failed", "err", err)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)
	<-interrupt
	log.Warn("Shutting down (type CTRL-C again to force quit)")
	go func() {
		<-interrupt
		os.Exit(1)
	}()

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "err", err)
	}
	wg.Wait()
	log.Info("Indexer stopped")
	return nil
}

func setDefaultLogger(verbosity int) {
	glogger := log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, true))
	glogger.Verbosity(log.FromLegacyLevel(verbosity))
	log.SetDefault(log.NewLogger(glogger))
}

func splitAndTrim(input string) (ret []string) {
	if input == "" {
		return nil
	}
	for _, r := range strings.Split(input, ",") {
		if r = strings.TrimSpace(r); r != "" {
			ret = append(ret, r)
		}
	}
	return ret
}
