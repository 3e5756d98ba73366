package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tradewatch/internal/chain"
	"tradewatch/internal/config"
	"tradewatch/internal/live"
	"tradewatch/internal/registry"
	"tradewatch/internal/scanner"
	"tradewatch/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:          "tradewatch",
		Short:        "Pool trading-event indexer and live feed",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the indexer and serving layer",
		RunE:  runWatcher,
	}

	runCmd.Flags().String("rpc", "", "chain RPC URL")
	runCmd.Flags().String("factory", "", "pool factory contract address")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	runCmd.Flags().String("listen", ":8088", "HTTP/WebSocket listen address")
	runCmd.Flags().Uint64("max-batch", 100, "max blocks processed per cycle")
	runCmd.Flags().Duration("block-time", 5*time.Second, "chain block production interval")
	runCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().Uint64("min-block", 0, "query floor: ignore records below this block")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)
	root.AddCommand(newDecodeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWatcher(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.Factory) {
		return fmt.Errorf("valid factory address is required")
	}
	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}
	factory := common.HexToAddress(cfg.Factory)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	sink, err := store.New(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer sink.Close()

	if err := sink.EnsureSchema(ctx); err != nil {
		return err
	}

	reg := registry.New()
	if err := reg.BulkLoad(ctx, chainClient, factory, logger); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	hub := live.NewHub(sink, cfg.MinBlock, logger)
	server := live.NewServer(hub, sink, chainClient, reg, logger)

	runner, err := scanner.NewRunner(scanner.RunConfig{
		Factory:      factory,
		MaxBatch:     cfg.MaxBatch,
		BlockTime:    cfg.BlockTime,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, chainClient, reg, sink, hub, logger)
	if err != nil {
		return err
	}

	logger.Info("tradewatch start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("factory", factory.Hex()),
		zap.String("listen", cfg.Listen),
		zap.Uint64("max_batch", cfg.MaxBatch),
		zap.Duration("block_time", cfg.BlockTime),
		zap.Int("pools", reg.Len()),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		// A bind failure is fatal; stop the scanner as well.
		serverErr <- server.Start(ctx, cfg.Listen)
		cancel()
	}()

	runErr := runner.Run(ctx)
	if err := <-serverErr; err != nil {
		return err
	}
	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
