package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/momentumhq/calsync/internal/calsync"
	"github.com/momentumhq/calsync/internal/config"
	"github.com/momentumhq/calsync/internal/httpapi"
)

func main() {
	cfg, v, err := config.Load(os.Getenv("CALSYNC_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ledger, err := calsync.BuildLedgerFromDSN(cfg.LedgerDSN)
	if err != nil {
		log.Fatalf("failed to initialize ledger: %v", err)
	}
	defer ledger.Close()

	oauthConf := &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		Scopes:       []string{calendar.CalendarScope},
		Endpoint:     google.Endpoint,
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	credentials, err := calsync.NewOAuthCredentialStore(
		oauthConf,
		calsync.NewMemoryCredentialBackend(),
		calsync.CredentialStoreOptions{Logger: logger},
	)
	if err != nil {
		log.Fatalf("failed to initialize credential store: %v", err)
	}
	reconnect := calsync.NewReconnectFlow(oauthConf, credentials, logger)
	projection := calsync.NewMemoryProjectionStore()
	provider := calsync.NewGoogleProvider(calsync.GoogleProviderOptions{
		CalendarID: cfg.Google.CalendarID,
	})

	engine, err := calsync.NewEngine(calsync.EngineOptions{
		Ledger:      ledger,
		Provider:    provider,
		Credentials: credentials,
		Projection:  projection,
		Reconnect:   reconnect,
		Retry: calsync.RetryPolicy{
			MaxAttempts: cfg.Sync.RetryAttempts,
			BaseDelay:   cfg.Sync.RetryBaseDelay,
			MaxDelay:    cfg.Sync.RetryMaxDelay,
		},
		MaxConcurrency: cfg.Sync.MaxConcurrency,
		CallTimeout:    cfg.Sync.CallTimeout,
		WindowPast:     time.Duration(cfg.Sync.WindowPastDays) * 24 * time.Hour,
		WindowFuture:   time.Duration(cfg.Sync.WindowFutureDays) * 24 * time.Hour,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}

	scheduler, err := calsync.NewScheduler(calsync.SchedulerOptions{
		Engine:   engine,
		Settings: projection,
		Logger:   logger,
		TickSpec: cfg.Sync.TickSpec,
	})
	if err != nil {
		log.Fatalf("failed to initialize scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	entities, err := httpapi.NewEntitySink(projection)
	if err != nil {
		log.Fatalf("failed to initialize entity sink: %v", err)
	}
	server := httpapi.NewServer(httpapi.ServerOptions{
		Config: httpapi.ServerConfig{
			BearerToken:  cfg.BearerToken,
			MaxBodyBytes: cfg.MaxBodyBytes,
		},
		Ledger:    ledger,
		Scheduler: scheduler,
		Reconnect: reconnect,
		Entities:  entities,
		Feed:      httpapi.NewFeedSource(projection),
	})

	if os.Getenv("CALSYNC_CONFIG") != "" {
		config.Watch(v, func(next config.Config) {
			logger.Printf("configuration reloaded; address and ledger changes require a restart")
		}, func(err error) {
			logger.Printf("ignoring invalid configuration change: %v", err)
		})
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server}
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Printf("shutting down")
		_ = httpServer.Close()
	}()

	logger.Printf("calsyncd listening on %s", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}
