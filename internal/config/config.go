// Package config reads service configuration from the environment, with a
// .env file as fallback for local runs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	AppPort  string
	RunLocal bool
	LogLevel string

	OrdersTable         string
	NotifyLogTable      string
	PackagesTable       string
	NotifyRetryQueueURL string
	MetricsNamespace    string

	Gateway GatewayConfig

	OrderExpireAfter time.Duration
	MinAmount        string
	MaxAmount        string
	NotifyMaxRetry   int
	NotifyTimeout    time.Duration
	NotifyStaleAfter time.Duration
	NotifyRetryDelay time.Duration
	CreditsBaseURL   string
	CreditsAPIToken  string
	CreditsTimeout   time.Duration
	RedisAddr        string
	RedisPassword    string
	SweepSchedule    string
	SweepBatch       int32
}

// GatewayConfig holds merchant credentials. Keys are read from files at
// wiring time.
type GatewayConfig struct {
	BaseURL          string
	AppID            string
	MchID            string
	SerialNo         string
	PrivateKeyPath   string
	PlatformCertPath string
	PlatformSerialNo string
	APIv3Key         string
	NotifyURL        string
	RefundNotifyURL  string
	Timeout          time.Duration
}

// Load reads the environment, falling back to values from files (".env"
// when none are given). Real environment variables always win. Missing
// files are ignored; missing required keys are reported together.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	fromFiles := map[string]string{}
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vals {
			fromFiles[k] = v
		}
	}
	l := &loader{file: fromFiles}

	cfg := &Config{
		AppPort:             l.str("APP_PORT", "8080"),
		RunLocal:            l.boolean("RUN_LOCAL", false),
		LogLevel:            l.str("LOG_LEVEL", "info"),
		OrdersTable:         l.required("ORDERS_TABLE"),
		NotifyLogTable:      l.required("NOTIFY_LOG_TABLE"),
		PackagesTable:       l.required("PACKAGES_TABLE"),
		NotifyRetryQueueURL: l.str("NOTIFY_RETRY_QUEUE_URL", ""),
		MetricsNamespace:    l.str("METRICS_NAMESPACE", ""),
		Gateway: GatewayConfig{
			BaseURL:          l.str("WECHAT_PAY_BASE_URL", "https://api.mch.weixin.qq.com"),
			AppID:            l.required("WECHAT_PAY_APP_ID"),
			MchID:            l.required("WECHAT_PAY_MCH_ID"),
			SerialNo:         l.required("WECHAT_PAY_SERIAL_NO"),
			PrivateKeyPath:   l.required("WECHAT_PAY_PRIVATE_KEY_PATH"),
			PlatformCertPath: l.required("WECHAT_PAY_PLATFORM_CERT_PATH"),
			PlatformSerialNo: l.required("WECHAT_PAY_PLATFORM_SERIAL_NO"),
			APIv3Key:         l.required("WECHAT_PAY_API_V3_KEY"),
			NotifyURL:        l.required("WECHAT_PAY_NOTIFY_URL"),
			RefundNotifyURL:  l.str("WECHAT_PAY_REFUND_NOTIFY_URL", ""),
			Timeout:          l.seconds("GATEWAY_TIMEOUT_SECONDS", 30),
		},
		OrderExpireAfter: l.minutes("PAYMENT_ORDER_EXPIRE_MINUTES", 15),
		MinAmount:        l.str("PAYMENT_MIN_AMOUNT", "1"),
		MaxAmount:        l.str("PAYMENT_MAX_AMOUNT", "1000"),
		NotifyMaxRetry:   l.integer("PAYMENT_NOTIFY_MAX_RETRY", 3),
		NotifyTimeout:    l.seconds("PAYMENT_NOTIFY_TIMEOUT_SECONDS", 5),
		NotifyStaleAfter: l.minutes("PAYMENT_NOTIFY_STALE_MINUTES", 10),
		NotifyRetryDelay: l.seconds("PAYMENT_NOTIFY_RETRY_DELAY_SECONDS", 60),
		CreditsBaseURL:   l.str("CREDITS_BASE_URL", "http://localhost:3000"),
		CreditsAPIToken:  l.str("CREDITS_API_TOKEN", ""),
		CreditsTimeout:   l.seconds("CREDITS_TIMEOUT_SECONDS", 10),
		RedisAddr:        l.str("REDIS_ADDR", ""),
		RedisPassword:    l.str("REDIS_PASSWORD", ""),
		SweepSchedule:    l.str("SWEEP_SCHEDULE", "@every 1m"),
		SweepBatch:       int32(l.integer("SWEEP_BATCH", 50)),
	}

	if k := cfg.Gateway.APIv3Key; k != "" && len(k) != 32 {
		l.errs = append(l.errs, fmt.Errorf("WECHAT_PAY_API_V3_KEY must be 32 bytes, got %d", len(k)))
	}
	if cfg.NotifyMaxRetry < 1 {
		l.errs = append(l.errs, errors.New("PAYMENT_NOTIFY_MAX_RETRY must be at least 1"))
	}

	if err := errors.Join(l.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type loader struct {
	file map[string]string
	errs []error
}

func (l *loader) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := l.file[key]
	return v, ok
}

func (l *loader) str(key, fallback string) string {
	if v, ok := l.lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (l *loader) required(key string) string {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		l.errs = append(l.errs, fmt.Errorf("%s must be set", key))
	}
	return v
}

func (l *loader) integer(key string, fallback int) int {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (l *loader) boolean(key string, fallback bool) bool {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func (l *loader) seconds(key string, fallback int) time.Duration {
	return time.Duration(l.integer(key, fallback)) * time.Second
}

func (l *loader) minutes(key string, fallback int) time.Duration {
	return time.Duration(l.integer(key, fallback)) * time.Minute
}
