package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dobby-dex/dobby/internal/api"
	"github.com/dobby-dex/dobby/internal/book"
	"github.com/dobby-dex/dobby/internal/config"
	"github.com/dobby-dex/dobby/internal/fills"
	"github.com/dobby-dex/dobby/internal/health"
	"github.com/dobby-dex/dobby/internal/ledger"
	"github.com/dobby-dex/dobby/internal/lifecycle"
	"github.com/dobby-dex/dobby/internal/logging"
	"github.com/dobby-dex/dobby/internal/oracle"
	"github.com/dobby-dex/dobby/internal/publish"
	"github.com/dobby-dex/dobby/internal/signer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dobby: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("dobby sync engine starting",
		zap.String("env", cfg.Env),
		zap.Int64("chain_id", cfg.Ledger.ChainID))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := ethclient.DialContext(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		return fmt.Errorf("dial ledger rpc: %w", err)
	}
	defer client.Close()

	clob := ledger.NewCLOB(common.HexToAddress(cfg.Ledger.CLOBAddress), client)

	// Wallet is optional: without a key the terminal is read-only and
	// order placement fails with a typed error.
	var txSigner ledger.TxSigner
	var identity book.IdentityFunc
	if cfg.Ledger.PrivateKey != "" {
		s, err := signer.NewFromHex(cfg.Ledger.PrivateKey)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		defer s.Destroy()
		txSigner = s
		identity = func() (common.Address, bool) { return s.Address(), true }
		log.Info("wallet loaded", zap.String("address", s.Address().Hex()))
	} else {
		log.Info("no private key configured, running read-only")
	}

	fallback := common.HexToAddress(cfg.Ledger.CallFrom)

	agg := book.NewAggregator(clob, identity, fallback, log)
	bookPoller := book.NewPoller(agg, cfg.Ledger.PollInterval(), log)

	tracker := fills.NewTracker(client, clob.Address(), cfg.Ledger.FillLookback, log)
	fillPoller := fills.NewPoller(tracker, cfg.Ledger.FillPollInterval(), log)

	rec := oracle.NewReconciler(cfg.Oracle.FeedID, log)
	feed := oracle.NewFeed(oracle.NewClient(cfg.Oracle.HermesURL), rec, log)

	gate := health.NewGate(health.DefaultGateConfig())
	gate.Watch(health.SourceBook)
	gate.Watch(health.SourceOracle)

	check := lifecycle.NewValidator(gate)
	controller := lifecycle.NewController(clob, client, client, txSigner,
		big.NewInt(cfg.Ledger.ChainID), check, log)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	market := cfg.Ledger.BaseToken + "-" + cfg.Ledger.QuoteToken
	writer := publish.NewWriter(redisHSet{rdb}, market, rec.FeedID,
		bookPoller.Subscribe(), rec.Subscribe())

	mux := http.NewServeMux()
	api.NewServer(bookPoller, fillPoller, rec, controller, agg, gate, log).Register(mux)
	httpSrv := &http.Server{Addr: cfg.API.Addr, Handler: mux}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("api listening", zap.String("addr", cfg.API.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server failed", zap.Error(err))
			cancel()
		}
	}()

	for _, task := range []func(context.Context){
		bookPoller.Run,
		fillPoller.Run,
		feed.Run,
		writer.Run,
		func(ctx context.Context) {
			gate.Run(ctx, bookPoller.Subscribe(), rec.Subscribe())
		},
	} {
		wg.Add(1)
		go func(task func(context.Context)) {
			defer wg.Done()
			task(ctx)
		}(task)
	}

	<-ctx.Done()
	log.Info("dobby shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}

	wg.Wait()
	return nil
}

// redisHSet adapts *redis.Client's result-typed HSet to the snapshot
// writer's error-only interface.
type redisHSet struct {
	c *redis.Client
}

func (r redisHSet) HSet(ctx context.Context, key string, values ...any) error {
	return r.c.HSet(ctx, key, values...).Err()
}
