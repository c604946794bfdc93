package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/token_locker/internal/app/domain/asset"
	"github.com/R3E-Network/token_locker/internal/app/events"
	"github.com/R3E-Network/token_locker/internal/app/httpapi"
	lockersvc "github.com/R3E-Network/token_locker/internal/app/services/locker"
	"github.com/R3E-Network/token_locker/internal/app/storage"
	"github.com/R3E-Network/token_locker/internal/app/storage/memory"
	"github.com/R3E-Network/token_locker/internal/app/system"
	"github.com/R3E-Network/token_locker/internal/chain"
	"github.com/R3E-Network/token_locker/internal/config"
	"github.com/R3E-Network/token_locker/pkg/logger"
)

// eventBufferSize bounds the in-memory event history served by the API.
const eventBufferSize = 1024

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Ledger   storage.LedgerStore
	Metadata storage.MetadataStore
}

// Application ties the locker service, its settlement loop and the event
// fan-out together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	cfg     *config.Config

	Locker     *lockersvc.Service
	Settlement *lockersvc.SettlementPoller
	Events     *events.RingBuffer

	redis *events.RedisPublisher
}

// New builds a fully initialised application with the provided stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Ledger == nil || stores.Metadata == nil {
		mem := memory.New()
		if stores.Ledger == nil {
			stores.Ledger = mem
		}
		if stores.Metadata == nil {
			stores.Metadata = mem
		}
	}

	codec, err := asset.CodecFor(cfg.Locker.ContractIDFormat)
	if err != nil {
		return nil, err
	}

	a := &Application{
		manager: system.NewManager(log.Named("system")),
		log:     log,
		cfg:     cfg,
		Events:  events.NewRingBuffer(eventBufferSize),
	}

	emitters := events.Multi{a.Events, events.NewLogEmitter(log.Named("events"))}
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.redis = events.NewRedisPublisher(client, cfg.Redis.Channel, log.Named("events"))
		emitters = append(emitters, a.redis)
	} else {
		log.Warn("REDIS_ADDR not set; events are not published to redis")
	}

	httpClient := &http.Client{Timeout: cfg.Dispatch.Timeout}
	var dispatcher lockersvc.Dispatcher = lockersvc.NoopDispatcher{}
	if url := strings.TrimSpace(cfg.Dispatch.URL); url != "" {
		dispatcher = lockersvc.NewHTTPDispatcher(url, cfg.Dispatch.APIKey, httpClient)
	} else {
		log.Warn("DISPATCH_URL not set; transfers are accepted locally and settled by timeout")
	}

	resolver, chainClient, err := buildResolver(cfg, httpClient, log)
	if err != nil {
		return nil, err
	}

	a.Locker = lockersvc.New(stores.Ledger, stores.Metadata, log.Named("locker"),
		lockersvc.WithCodec(codec),
		lockersvc.WithDispatcher(dispatcher),
		lockersvc.WithEmitter(emitters),
	)
	a.Settlement = lockersvc.NewSettlementPoller(stores.Ledger, a.Locker, resolver, cfg.Locker.SettlementInterval, log.Named("settlement"))

	services := []system.Service{&ledgerService{app: a}}
	if chainClient != nil {
		services = append([]system.Service{&chainService{client: chainClient, log: log.Named("chain")}}, services...)
	}
	for _, svc := range append(services, a.Settlement) {
		if err := a.manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s service: %w", svc.Name(), err)
		}
	}
	return a, nil
}

// buildResolver picks how in-flight transfers are settled. The chain client
// is returned when transfers are followed on N3.
func buildResolver(cfg *config.Config, httpClient *http.Client, log *logger.Logger) (lockersvc.TransferResolver, *chain.Client, error) {
	switch {
	case strings.TrimSpace(cfg.Chain.RPCURL) != "":
		client, err := chain.NewClient(chain.Config{
			RPCURL:    cfg.Chain.RPCURL,
			NetworkID: cfg.Chain.NetworkMagic,
			Timeout:   cfg.Chain.Timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("configure chain client: %w", err)
		}
		log.WithField("rpc_url", cfg.Chain.RPCURL).Info("settling transfers from N3 application logs")
		return chain.NewApplicationLogResolver(client, 0), client, nil
	case strings.TrimSpace(cfg.Dispatch.URL) != "":
		return lockersvc.NewHTTPResolver(cfg.Dispatch.URL, cfg.Dispatch.APIKey, httpClient, cfg.Locker.SettlementInterval), nil, nil
	default:
		return lockersvc.NewTimeoutResolver(cfg.Locker.SettlementTimeout), nil, nil
	}
}

// Handler returns the HTTP API for the application.
func (a *Application) Handler() (http.Handler, error) {
	key, err := httpapi.ParsePublicKey(a.cfg.Auth.JWTPublicKeyPEM)
	if err != nil {
		return nil, err
	}
	if key == nil {
		a.log.Warn("JWT_PUBLIC_KEY not set; trusting the X-Account-ID header")
	}
	return httpapi.NewHandler(a.Locker, a.Events, a.log.Named("http"), httpapi.Options{
		Authenticator: httpapi.NewAuthenticator(key, a.cfg.Auth.JWTIssuer, a.log.Named("auth")),
		RateLimiter:   httpapi.NewRateLimiter(a.cfg.RateLimit.RequestsPerSecond, a.cfg.RateLimit.Burst, a.log.Named("ratelimit")),
	}), nil
}

// Start initialises ledger metadata and starts the settlement loop.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop halts background work and releases the redis connection.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.redis != nil {
		if cerr := a.redis.Close(); cerr != nil {
			a.log.WithError(cerr).Warn("close redis publisher")
		}
	}
	return err
}

// ledgerService seeds metadata on start and dispatches again the transfers a
// previous run debited but never handed over.
type ledgerService struct {
	app *Application
}

func (s *ledgerService) Name() string { return "locker" }

func (s *ledgerService) Start(ctx context.Context) error {
	cfg := s.app.cfg.Locker
	if err := s.app.Locker.Init(ctx, cfg.OwnerID, cfg.BurnAccountID); err != nil {
		return err
	}
	pending, resent, err := s.app.Locker.ResumeTransfers(ctx)
	if err != nil {
		return fmt.Errorf("resume transfers: %w", err)
	}
	if pending > 0 {
		s.app.log.WithFields(logrus.Fields{
			"transfers":  pending,
			"redispatch": resent,
		}).Info("resuming in-flight transfers")
	}
	return nil
}

func (s *ledgerService) Stop(context.Context) error { return nil }

// chainService checks the N3 node before settlement starts. A node on the
// wrong network is fatal; an unreachable one is only reported, the resolver
// retries on its own.
type chainService struct {
	client *chain.Client
	log    *logger.Logger
}

func (s *chainService) Name() string { return "chain" }

func (s *chainService) Start(ctx context.Context) error {
	height, err := s.client.CheckNetwork(ctx)
	switch {
	case errors.Is(err, chain.ErrNetworkMismatch):
		return err
	case err != nil:
		s.log.WithError(err).Warn("N3 node not reachable at startup")
	default:
		s.log.WithField("height", height).Info("connected to N3 node")
	}
	return nil
}

func (s *chainService) Stop(context.Context) error { return nil }
