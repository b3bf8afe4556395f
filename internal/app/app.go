// Package app wires configuration, AWS clients and the gateway into the
// payment components shared by every binary.
package app

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/config"
	"github.com/imrishuroy/go-payment-reconciler/internal/credits"
	"github.com/imrishuroy/go-payment-reconciler/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciler/internal/handlers"
	"github.com/imrishuroy/go-payment-reconciler/internal/lock"
	"github.com/imrishuroy/go-payment-reconciler/internal/money"
	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
	"github.com/imrishuroy/go-payment-reconciler/internal/payment"
)

// App holds the wired components.
type App struct {
	Config  *config.Config
	Log     zerolog.Logger
	Manager *payment.Manager
	Notify  *payment.NotifyProcessor
	Sweeper *payment.Sweeper

	redis *redis.Client
}

// Deps are the outward-facing clients. Zero fields are built from Config.
type Deps struct {
	Clients *aws.AWSClients
	Gateway payment.Gateway
	Credits payment.CreditGranter
}

// New builds an App from cfg, creating AWS clients and the gateway client.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	return Build(ctx, cfg, log, Deps{})
}

// Build is New with some clients supplied by the caller.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger, deps Deps) (*App, error) {
	if deps.Clients == nil {
		clients, err := aws.NewAWSClients(ctx)
		if err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
		deps.Clients = clients
	}
	if deps.Gateway == nil {
		gw, err := NewGateway(cfg.Gateway)
		if err != nil {
			return nil, err
		}
		deps.Gateway = gw
	}
	if deps.Credits == nil {
		deps.Credits = credits.NewClient(cfg.CreditsBaseURL, cfg.CreditsAPIToken, cfg.CreditsTimeout)
	}

	mcfg, err := managerConfig(cfg)
	if err != nil {
		return nil, err
	}

	var metrics payment.Metrics = payment.NopMetrics
	if cfg.MetricsNamespace != "" && deps.Clients.CloudWatch != nil {
		metrics = aws.NewMetrics(deps.Clients.CloudWatch, cfg.MetricsNamespace)
	}
	var retries payment.RetryScheduler
	if cfg.NotifyRetryQueueURL != "" && deps.Clients.SQS != nil {
		retries = aws.NewPublisher(deps.Clients.SQS, cfg.NotifyRetryQueueURL)
	} else {
		log.Warn().Msg("no notify retry queue configured, failed notifies wait for the sweep")
	}

	a := &App{Config: cfg, Log: log}
	var locker payment.Locker
	if cfg.RedisAddr != "" {
		a.redis = lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, 0)
		locker = lock.NewRedisLocker(a.redis)
	}

	orderStore := orders.NewStore(deps.Clients.DynamoDB, cfg.OrdersTable)
	logStore := notifylog.NewStore(deps.Clients.DynamoDB, cfg.NotifyLogTable)
	catalogStore := catalog.NewStore(deps.Clients.DynamoDB, cfg.PackagesTable)

	rec := payment.NewReconciler(orderStore, deps.Credits, metrics, log)
	a.Manager = payment.NewManager(orderStore, catalogStore, deps.Gateway, rec, mcfg, log)
	a.Notify = payment.NewNotifyProcessor(logStore, deps.Gateway, rec, retries, metrics, payment.NotifyConfig{
		MaxRetry:   cfg.NotifyMaxRetry,
		StaleAfter: cfg.NotifyStaleAfter,
		RetryDelay: cfg.NotifyRetryDelay,
	}, log)
	a.Sweeper = payment.NewSweeper(a.Notify, logStore, locker, cfg.SweepBatch, log)
	return a, nil
}

// NewGateway loads the merchant key and platform certificate and returns a
// gateway client.
func NewGateway(cfg config.GatewayConfig) (*gateway.Client, error) {
	key, err := gateway.LoadPrivateKeyFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load merchant key: %w", err)
	}
	platform, err := gateway.LoadPublicKeyFile(cfg.PlatformCertPath)
	if err != nil {
		return nil, fmt.Errorf("load platform certificate: %w", err)
	}
	return gateway.NewClient(gateway.Config{
		BaseURL:      cfg.BaseURL,
		AppID:        cfg.AppID,
		MchID:        cfg.MchID,
		SerialNo:     cfg.SerialNo,
		PrivateKey:   key,
		PlatformKeys: map[string]*rsa.PublicKey{cfg.PlatformSerialNo: platform},
		APIv3Key:     []byte(cfg.APIv3Key),
		NotifyURL:    cfg.NotifyURL,
		RefundURL:    cfg.RefundNotifyURL,
		Timeout:      cfg.Timeout,
	})
}

func managerConfig(cfg *config.Config) (payment.ManagerConfig, error) {
	mcfg := payment.DefaultManagerConfig()
	mcfg.ExpireAfter = cfg.OrderExpireAfter
	var errs []error
	if cfg.MinAmount != "" {
		v, err := money.Parse(cfg.MinAmount)
		if err != nil {
			errs = append(errs, fmt.Errorf("PAYMENT_MIN_AMOUNT: %w", err))
		}
		mcfg.MinAmount = v
	}
	if cfg.MaxAmount != "" {
		v, err := money.Parse(cfg.MaxAmount)
		if err != nil {
			errs = append(errs, fmt.Errorf("PAYMENT_MAX_AMOUNT: %w", err))
		}
		mcfg.MaxAmount = v
	}
	if err := errors.Join(errs...); err != nil {
		return mcfg, err
	}
	if mcfg.MinAmount.GreaterThan(mcfg.MaxAmount.Decimal) {
		return mcfg, fmt.Errorf("PAYMENT_MIN_AMOUNT %s exceeds PAYMENT_MAX_AMOUNT %s", mcfg.MinAmount, mcfg.MaxAmount)
	}
	return mcfg, nil
}

// Router returns the gin engine serving the HTTP API.
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(a.Log))
	handlers.Register(r, handlers.HandlerConfig{
		Orders:     a.Manager,
		Notify:     a.Notify,
		Logger:     a.Log,
		NotifyWait: a.Config.NotifyTimeout,
	})
	return r
}

// Close releases the redis connection, if any.
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
