package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gregtusar/imbalance/api"
	"github.com/gregtusar/imbalance/internal/config"
	"github.com/gregtusar/imbalance/pkg/audit"
	"github.com/gregtusar/imbalance/pkg/binance"
	"github.com/gregtusar/imbalance/pkg/trader"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imbalance-trader",
		Short: "Order book imbalance trader",
		Long:  `Trades one futures instrument on order book imbalance, protecting each position with a trailing stop`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runTrader(cmd *cobra.Command, args []string) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	logFile, err := configureLogger(logger, cfg.Logging)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if cfg.Binance.APIKey == "" || cfg.Binance.APISecret == "" {
		logger.Fatal("Binance API credentials are not configured")
	}

	opts := []binance.ClientOption{
		binance.WithRateLimit(cfg.Binance.OrdersPerSecond, cfg.Binance.OrderBurst),
		binance.WithTimeout(cfg.Binance.RequestTimeout),
	}
	if cfg.Binance.RestURL != "" {
		opts = append(opts, binance.WithBaseURL(cfg.Binance.RestURL))
	}
	client := binance.NewFuturesClient(
		cfg.Binance.APIKey,
		cfg.Binance.APISecret,
		cfg.Binance.RecvWindow,
		cfg.Binance.Testnet,
		opts...,
	)

	backend, err := newAuditBackend(cfg.Audit)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open audit backend")
	}
	writer := audit.NewWriter(backend, logger)
	table := audit.NewTable(audit.DefaultColumns, writer)

	traderCfg := cfg.TraderConfig()
	imbalanceTrader := trader.NewTrader(traderCfg, client, table, logger)
	streamCfg := cfg.StreamConfig()
	stream := binance.NewDepthStream(streamCfg, logger)
	apiServer := api.NewServer(imbalanceTrader, traderCfg.Symbol, logger, cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The writer outlives the stream so rows recorded during shutdown are flushed.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run(writerCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stream.Run(gctx, imbalanceTrader)
	})
	g.Go(func() error {
		return apiServer.Start(gctx)
	})

	logger.WithFields(logrus.Fields{
		"symbol":   traderCfg.Symbol,
		"stream":   streamCfg.URL,
		"quantity": traderCfg.Quantity.String(),
		"audit":    cfg.Audit.Backend,
	}).Info("Imbalance trader is running. Press Ctrl+C to stop.")

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Trader stopped with error")
	}

	stopWriter()
	if err := <-writerDone; err != nil {
		logger.WithError(err).Error("Failed to flush audit rows")
	}

	if status, open := imbalanceTrader.Status(); open {
		logger.WithFields(logrus.Fields{
			"position_id":   status.ID,
			"stop_price":    status.StopPrice,
			"stop_order_id": status.StopOrderID,
		}).Warn("Exiting with an open position, its stop order stays at the exchange")
	}

	logger.Info("Imbalance trader stopped")
}

func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) (io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}

func newAuditBackend(cfg config.AuditConfig) (audit.Backend, error) {
	switch cfg.Backend {
	case "kafka":
		return audit.NewKafkaBackend(cfg.Brokers, cfg.Topic), nil
	default:
		return audit.NewFileBackend(cfg.File, audit.DefaultColumns)
	}
}
