package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Client    ClientConfig    `mapstructure:"client"`
	Render    RenderConfig    `mapstructure:"render"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`

	// Environment selects the config overlay: "dev" or "prod".
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	QueueSize         int           `mapstructure:"queue_size"`
}

type GeneratorConfig struct {
	InitialPrice     float64       `mapstructure:"initial_price"`
	Volatility       float64       `mapstructure:"volatility"`
	MeanReversion    float64       `mapstructure:"mean_reversion"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	CandleInterval   time.Duration `mapstructure:"candle_interval"`
	BookLevels       int           `mapstructure:"book_levels"`
	MaxTradesPerTick int           `mapstructure:"max_trades_per_tick"`
	PriceFloor       float64       `mapstructure:"price_floor"`
}

type ClientConfig struct {
	URL               string        `mapstructure:"url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`

	MaxTrades  int `mapstructure:"max_trades"`
	MaxCandles int `mapstructure:"max_candles"`
	TopLevels  int `mapstructure:"top_levels"`
}

type RenderConfig struct {
	PaintInterval time.Duration `mapstructure:"paint_interval"`
	TradeRows     int           `mapstructure:"trade_rows"`
	BookLevels    int           `mapstructure:"book_levels"`
}

type MetricsConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	setDefaults(v)

	// Support environment variables with dot notation (e.g., CLIENT_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	if cfg.Environment == "prod" {
		applyParameterStoreOverrides(&cfg)
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.heartbeat_interval", "5s")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.handshake_timeout", "10s")
	v.SetDefault("server.queue_size", 256)

	v.SetDefault("generator.initial_price", 50000.0)
	v.SetDefault("generator.volatility", 0.0005)
	v.SetDefault("generator.mean_reversion", 0.001)
	v.SetDefault("generator.tick_interval", "100ms")
	v.SetDefault("generator.candle_interval", "1m")
	v.SetDefault("generator.book_levels", 20)
	v.SetDefault("generator.max_trades_per_tick", 3)
	v.SetDefault("generator.price_floor", 1000.0)

	v.SetDefault("client.url", "ws://localhost:8080/feed")
	v.SetDefault("client.heartbeat_interval", "5s")
	v.SetDefault("client.dial_timeout", "10s")
	v.SetDefault("client.backoff_base", "500ms")
	v.SetDefault("client.backoff_max", "30s")
	v.SetDefault("client.backoff_jitter", 0.2)
	v.SetDefault("client.max_trades", 100)
	v.SetDefault("client.max_candles", 200)
	v.SetDefault("client.top_levels", 10)

	v.SetDefault("render.paint_interval", "250ms")
	v.SetDefault("render.trade_rows", 10)
	v.SetDefault("render.book_levels", 5)

	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.environment", "dev")
}
