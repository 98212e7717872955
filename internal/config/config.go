package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/imbalance/pkg/binance"
	"github.com/gregtusar/imbalance/pkg/secrets"
	"github.com/gregtusar/imbalance/pkg/signals"
	"github.com/gregtusar/imbalance/pkg/trader"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Binance  BinanceConfig  `mapstructure:"binance"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type BinanceConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	APISecret       string        `mapstructure:"api_secret"`
	RestURL         string        `mapstructure:"rest_url"`
	WSURL           string        `mapstructure:"ws_url"`
	RecvWindow      time.Duration `mapstructure:"recv_window"`
	OrdersPerSecond float64       `mapstructure:"orders_per_second"`
	OrderBurst      int           `mapstructure:"order_burst"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	Testnet         bool          `mapstructure:"testnet"`
}

type StreamConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
}

type StrategyConfig struct {
	Symbol   string  `mapstructure:"symbol"`
	Quantity float64 `mapstructure:"quantity"`
	MaxDepth int     `mapstructure:"max_depth"`

	// Wall classification and entry gating, in base asset units.
	ModerateFloor    float64 `mapstructure:"moderate_floor"`
	LargeThreshold   float64 `mapstructure:"large_threshold"`
	LowVolumeFloor   float64 `mapstructure:"low_volume_floor"`
	ModerateMinIndex int     `mapstructure:"moderate_min_index"`
	LargeMinIndex    int     `mapstructure:"large_min_index"`

	// Trailing stop, in quote currency.
	TrailingGap    float64 `mapstructure:"trailing_gap"`
	MinMoveLong    float64 `mapstructure:"min_move_long"`
	MinMoveShort   float64 `mapstructure:"min_move_short"`
	PricePrecision int32   `mapstructure:"price_precision"`
}

type AuditConfig struct {
	Backend string   `mapstructure:"backend"` // "file" or "kafka"
	File    string   `mapstructure:"file"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/imbalance-trader")
	}

	v.SetEnvPrefix("IMBALANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("binance.api_key", "")
	v.SetDefault("binance.api_secret", "")
	v.SetDefault("binance.rest_url", "")
	v.SetDefault("binance.ws_url", "wss://fstream.binance.com")
	v.SetDefault("binance.recv_window", "5s")
	v.SetDefault("binance.orders_per_second", 10)
	v.SetDefault("binance.order_burst", 5)
	v.SetDefault("binance.request_timeout", "10s")
	v.SetDefault("binance.testnet", false)

	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.read_timeout", "5s")
	v.SetDefault("stream.reconnect_initial", "500ms")
	v.SetDefault("stream.reconnect_max", "30s")

	v.SetDefault("strategy.symbol", "BTCUSDT")
	v.SetDefault("strategy.quantity", 0.005)
	v.SetDefault("strategy.max_depth", 20)
	v.SetDefault("strategy.moderate_floor", 1.0)
	v.SetDefault("strategy.large_threshold", 1.6)
	v.SetDefault("strategy.low_volume_floor", 0.6)
	v.SetDefault("strategy.moderate_min_index", 6)
	v.SetDefault("strategy.large_min_index", 8)
	v.SetDefault("strategy.trailing_gap", 5.0)
	v.SetDefault("strategy.min_move_long", 2.0)
	v.SetDefault("strategy.min_move_short", 2.0)
	v.SetDefault("strategy.price_precision", 4)

	v.SetDefault("audit.backend", "file")
	v.SetDefault("audit.file", "./data/positions.tsv")
	v.SetDefault("audit.brokers", []string{})
	v.SetDefault("audit.topic", "imbalance-positions")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.binance_api_key", secretNames.BinanceAPIKey)
	v.SetDefault("gcp.secret_names.binance_api_secret", secretNames.BinanceAPISecret)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BINANCE_API_KEY"); apiKey != "" {
		config.Binance.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BINANCE_API_SECRET"); apiSecret != "" {
		config.Binance.APISecret = apiSecret
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = creds
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets if they're not already set
	if config.Binance.APIKey == "" {
		config.Binance.APIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.BinanceAPIKey, "")
	}
	if config.Binance.APISecret == "" {
		config.Binance.APISecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.BinanceAPISecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Validate rejects settings the strategy cannot run with.
func (c *Config) Validate() error {
	var errs []error
	s := c.Strategy

	if strings.TrimSpace(s.Symbol) == "" {
		errs = append(errs, errors.New("strategy.symbol is required"))
	}
	if s.Quantity <= 0 {
		errs = append(errs, errors.New("strategy.quantity must be positive"))
	}
	if s.MaxDepth < 2 || s.MaxDepth > maxStreamLevels {
		errs = append(errs, fmt.Errorf("strategy.max_depth must be between 2 and %d", maxStreamLevels))
	}
	if s.ModerateFloor <= 0 {
		errs = append(errs, errors.New("strategy.moderate_floor must be positive"))
	}
	if s.LargeThreshold <= s.ModerateFloor {
		errs = append(errs, errors.New("strategy.large_threshold must exceed strategy.moderate_floor"))
	}
	if s.TrailingGap <= 0 {
		errs = append(errs, errors.New("strategy.trailing_gap must be positive"))
	}
	if s.MinMoveLong < 0 || s.MinMoveShort < 0 {
		errs = append(errs, errors.New("strategy.min_move_long and strategy.min_move_short must not be negative"))
	}
	if s.PricePrecision < 0 {
		errs = append(errs, errors.New("strategy.price_precision must not be negative"))
	}

	switch c.Audit.Backend {
	case "file":
		if c.Audit.File == "" {
			errs = append(errs, errors.New("audit.file is required for the file backend"))
		}
	case "kafka":
		if len(c.Audit.Brokers) == 0 || c.Audit.Topic == "" {
			errs = append(errs, errors.New("audit.brokers and audit.topic are required for the kafka backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit.backend %q", c.Audit.Backend))
	}

	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TraderConfig converts the strategy section into the trader's decimal settings.
func (c *Config) TraderConfig() trader.Config {
	s := c.Strategy
	policy := signals.DefaultEntryPolicy(decimal.NewFromFloat(s.LowVolumeFloor))
	if s.ModerateMinIndex > 0 {
		policy.ModerateMinIndex = s.ModerateMinIndex
	}
	if s.LargeMinIndex > 0 {
		policy.LargeMinIndex = s.LargeMinIndex
	}

	return trader.Config{
		Symbol:   strings.ToUpper(s.Symbol),
		Quantity: decimal.NewFromFloat(s.Quantity),
		Signals: signals.Params{
			MaxDepth:       s.MaxDepth,
			ModerateFloor:  decimal.NewFromFloat(s.ModerateFloor),
			LargeThreshold: decimal.NewFromFloat(s.LargeThreshold),
			Policy:         policy,
		},
		Trailing: trader.TrailingConfig{
			Gap:            decimal.NewFromFloat(s.TrailingGap),
			MinMoveLong:    decimal.NewFromFloat(s.MinMoveLong),
			MinMoveShort:   decimal.NewFromFloat(s.MinMoveShort),
			PricePrecision: s.PricePrecision,
		},
	}
}

// StreamConfig returns the depth stream settings for the configured symbol.
func (c *Config) StreamConfig() binance.StreamConfig {
	return binance.StreamConfig{
		URL:              binance.DepthStreamURL(c.Binance.WSURL, c.Strategy.Symbol, streamLevels(c.Strategy.MaxDepth)),
		HandshakeTimeout: c.Stream.HandshakeTimeout,
		PingInterval:     c.Stream.PingInterval,
		ReadTimeout:      c.Stream.ReadTimeout,
		ReconnectInitial: c.Stream.ReconnectInitial,
		ReconnectMax:     c.Stream.ReconnectMax,
	}
}

// Partial depth streams come in 5, 10 and 20 levels.
const maxStreamLevels = 20

func streamLevels(maxDepth int) int {
	for _, n := range []int{5, 10} {
		if maxDepth <= n {
			return n
		}
	}
	return maxStreamLevels
}
