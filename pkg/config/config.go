package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	AccessControl struct {
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Economy Economy `mapstructure:"ECONOMY"`
}

// Economy holds the tunables of the currency, streak, reward and shop flows.
type Economy struct {
	Timezone  string          `mapstructure:"TIMEZONE"`
	DailyGift DailyGiftConfig `mapstructure:"DAILY_GIFT"`
	Reaction  ReactionConfig  `mapstructure:"REACTION"`
	Level     LevelConfig     `mapstructure:"LEVEL"`
	Reward    RewardConfig    `mapstructure:"REWARD"`
	Delivery  DeliveryConfig  `mapstructure:"DELIVERY"`
	Sweep     SweepConfig     `mapstructure:"SWEEP"`
}

type DailyGiftConfig struct {
	Base        int64 `mapstructure:"BASE"`
	BonusPerDay int64 `mapstructure:"BONUS_PER_DAY"`
	BonusCap    int64 `mapstructure:"BONUS_CAP"`
}

type ReactionConfig struct {
	Amount int64 `mapstructure:"AMOUNT"`
}

type LevelConfig struct {
	Formula    string `mapstructure:"FORMULA"` // sqrt | linear | expression
	Divisor    int64  `mapstructure:"DIVISOR"`
	Step       int64  `mapstructure:"STEP"`
	Expression string `mapstructure:"EXPRESSION"`
}

type RewardConfig struct {
	MaxCurrencyGrant    int64         `mapstructure:"MAX_CURRENCY_GRANT"`
	DailyCurrencyCap    int64         `mapstructure:"DAILY_CURRENCY_CAP"`
	MaxSubscriptionDays int           `mapstructure:"MAX_SUBSCRIPTION_DAYS"`
	IndexTTL            time.Duration `mapstructure:"INDEX_TTL"`
	ExtendTimeout       time.Duration `mapstructure:"EXTEND_TIMEOUT"`
}

type DeliveryConfig struct {
	Timeout   time.Duration `mapstructure:"TIMEOUT"`
	MaxRetry  int           `mapstructure:"MAX_RETRY"`
	URLExpiry time.Duration `mapstructure:"URL_EXPIRY"`
}

type SweepConfig struct {
	Hour     int           `mapstructure:"HOUR"`
	Minute   int           `mapstructure:"MINUTE"`
	LeaseTTL time.Duration `mapstructure:"LEASE_TTL"`
}

// Location resolves the economy timezone, defaulting to UTC.
func (e Economy) Location() *time.Location {
	if e.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		zap.L().Warn("unknown economy timezone, falling back to UTC", zap.String("timezone", e.Timezone), zap.Error(err))
		return time.UTC
	}
	return loc
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "economy")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("ECONOMY.TIMEZONE", "UTC")
	v.SetDefault("ECONOMY.DAILY_GIFT.BASE", 10)
	v.SetDefault("ECONOMY.DAILY_GIFT.BONUS_PER_DAY", 2)
	v.SetDefault("ECONOMY.DAILY_GIFT.BONUS_CAP", 20)
	v.SetDefault("ECONOMY.REACTION.AMOUNT", 1)
	v.SetDefault("ECONOMY.LEVEL.FORMULA", "sqrt")
	v.SetDefault("ECONOMY.LEVEL.DIVISOR", 100)
	v.SetDefault("ECONOMY.LEVEL.STEP", 500)
	v.SetDefault("ECONOMY.REWARD.MAX_CURRENCY_GRANT", 100)
	v.SetDefault("ECONOMY.REWARD.MAX_SUBSCRIPTION_DAYS", 30)
	v.SetDefault("ECONOMY.REWARD.INDEX_TTL", "5m")
	v.SetDefault("ECONOMY.REWARD.EXTEND_TIMEOUT", "5s")
	v.SetDefault("ECONOMY.DELIVERY.TIMEOUT", "10s")
	v.SetDefault("ECONOMY.DELIVERY.MAX_RETRY", 5)
	v.SetDefault("ECONOMY.DELIVERY.URL_EXPIRY", "1h")
	v.SetDefault("ECONOMY.SWEEP.HOUR", 0)
	v.SetDefault("ECONOMY.SWEEP.MINUTE", 5)
	v.SetDefault("ECONOMY.SWEEP.LEASE_TTL", "10m")
}

// Decode applies defaults and unmarshals v into a Config.
func Decode(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadConfig(p Params) *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			zap.L().Error("failed to read config", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	cfg, err := Decode(config)
	if err != nil {
		zap.L().Error("failed to decode config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	return cfg
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	config.SetConfigType(configType)
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		os.Exit(1)
	}

	if err := config.ReadRemoteConfig(); err != nil {
		os.Exit(1)
	}

	cfg, err := Decode(config)
	if err != nil {
		os.Exit(1)
	}
	configHolder.Store(cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			newcfg, err := Decode(config)
			if err != nil {
				zap.L().Error("unable to decode remote config", zap.Error(err))
				continue
			}
			configHolder.Store(newcfg)
		}
	}()

	if err := applySecrets(context.Background(), p.Vault, cfg); err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}

	return cfg
}

// Current returns the latest remotely watched config, if any.
func Current() (*Config, bool) {
	cfg, ok := configHolder.Load().(*Config)
	return cfg, ok
}

func applySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	cfg.Database.User = get("postgres_user")
	cfg.Database.Password = get("postgres_password")
	cfg.Redis.Password = get("redis_password")
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key")
	cfg.Minio.SecretKey = get("minio_secret_key")

	return nil
}
