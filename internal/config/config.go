// Package config предоставляет структуры и функции для парсинга и загрузки конфига
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Драйверы хранилища.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config общая структура для хранения настроек
type Config struct {
	Env             string          `yaml:"env" env-default:"local"`
	HTTPServer      HTTPServer      `yaml:"http_server"`
	Storage         Storage         `yaml:"storage"`
	RedisConnection RedisConnection `yaml:"redis_connection"`
	RabbitMQ        RabbitMQ        `yaml:"rabbitmq"`
	SMTP            SMTP            `yaml:"smtp"`
	JWTToken        JWTToken        `yaml:"jwttoken"`
	Lifecycle       Lifecycle       `yaml:"lifecycle"`
	Scheduler       Scheduler       `yaml:"scheduler"`
	Notification    Notification    `yaml:"notification"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	Address     string        `yaml:"address" env-default:":8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
	RateLimit   float64       `yaml:"rate_limit" env-default:"20"`
	RateBurst   int           `yaml:"rate_burst" env-default:"40"`
}

// Storage выбор и параметры backend-а хранилища
type Storage struct {
	Driver         string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"postgres"`
	PostgresDSN    string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	MongoURI       string `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase  string `yaml:"mongo_database" env-default:"trading"`
	MigrationsPath string `yaml:"migrations_path" env-default:"migrations"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	User        string        `yaml:"user"`
	DB          int           `yaml:"db"`
	MaxRetries  int           `yaml:"max_retries" env-default:"3"`
	DialTimeout time.Duration `yaml:"dial_timeout" env-default:"5s"`
	Timeout     time.Duration `yaml:"timeout" env-default:"3s"`
	SkipTTL     time.Duration `yaml:"skip_ttl" env-default:"168h"`
}

// RabbitMQ параметры подключения к брокеру
type RabbitMQ struct {
	URL        string        `yaml:"url" env:"RABBITMQ_URL"`
	MaxRetries int           `yaml:"max_retries" env-default:"5"`
	RetryDelay time.Duration `yaml:"retry_delay" env-default:"2s"`
}

// SMTP параметры почтового сервера
type SMTP struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" env-default:"587"`
	User string `yaml:"user"`
	Pass string `yaml:"pass" env:"SMTP_PASS"`
}

// JWTToken структура для работы с jwt-токеном
type JWTToken struct {
	JWTSecretKey string        `yaml:"jwt_secret_key" env:"JWT_SECRET_KEY"`
	TokenTTL     time.Duration `yaml:"token_ttl" env-default:"24h"`
}

// Lifecycle параметры жизненного цикла подписки
type Lifecycle struct {
	GracePeriod        time.Duration `yaml:"grace_period" env-default:"168h"`
	RenewalPeriod      time.Duration `yaml:"renewal_period" env-default:"720h"`
	DriftTolerance     time.Duration `yaml:"drift_tolerance" env-default:"24h"`
	TrialDuration      time.Duration `yaml:"trial_duration" env-default:"1h"`
	SkipAlertThreshold int           `yaml:"skip_alert_threshold" env-default:"3"`
	PremiumPrice       float64       `yaml:"premium_price" env-default:"99"`
	BasicPrice         float64       `yaml:"basic_price" env-default:"49"`
}

// Scheduler интервалы периодических задач
type Scheduler struct {
	Hourly        time.Duration `yaml:"hourly" env-default:"1h"`
	Daily         time.Duration `yaml:"daily" env-default:"24h"`
	Trial         time.Duration `yaml:"trial" env-default:"60s"`
	RecordTimeout time.Duration `yaml:"record_timeout" env-default:"10s"`
	NotifyTimeout time.Duration `yaml:"notify_timeout" env-default:"10s"`
}

// Notification ссылки, которые sender подставляет в письма
type Notification struct {
	VerifyURL  string `yaml:"verify_url" env-default:"http://localhost:8080/api/v1/verify"`
	PaymentURL string `yaml:"payment_url" env-default:"http://localhost:8080/pay"`
}

// MustLoad загружает конфиг по пути из CONFIG_PATH, при ошибке завершает процесс
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Load читает конфиг из файла path и проверяет его
func Load(path string) (*Config, error) {
	const op = "config.Load"

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: file %s does not exist", op, path)
	}
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for driver %q", c.Storage.Driver)
		}
	case DriverMongo:
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("storage.mongo_uri is required for driver %q", c.Storage.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Lifecycle.GracePeriod <= 0 || c.Lifecycle.RenewalPeriod <= 0 || c.Lifecycle.TrialDuration <= 0 {
		return fmt.Errorf("lifecycle periods must be positive")
	}
	if c.Scheduler.Hourly <= 0 || c.Scheduler.Daily <= 0 || c.Scheduler.Trial <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"Storage:\n"+
			"  Driver: %s\n"+
			"  MongoDatabase: %s\n"+
			"  MigrationsPath: %s\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"  IdleTimeout: %s\n"+
			"Redis:\n"+
			"  Address: %s\n"+
			"  DB: %d\n"+
			"Lifecycle:\n"+
			"  GracePeriod: %s\n"+
			"  RenewalPeriod: %s\n"+
			"  DriftTolerance: %s\n"+
			"  TrialDuration: %s\n"+
			"Scheduler:\n"+
			"  Hourly: %s\n"+
			"  Daily: %s\n"+
			"  Trial: %s\n",
		c.Env,
		c.Storage.Driver,
		c.Storage.MongoDatabase,
		c.Storage.MigrationsPath,
		c.HTTPServer.Address,
		c.HTTPServer.Timeout,
		c.HTTPServer.IdleTimeout,
		c.RedisConnection.Address,
		c.RedisConnection.DB,
		c.Lifecycle.GracePeriod,
		c.Lifecycle.RenewalPeriod,
		c.Lifecycle.DriftTolerance,
		c.Lifecycle.TrialDuration,
		c.Scheduler.Hourly,
		c.Scheduler.Daily,
		c.Scheduler.Trial,
	)
}
