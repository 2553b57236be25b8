package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.io/infrasutra/replydesk/internal/api"
	"github.io/infrasutra/replydesk/internal/auth"
	"github.io/infrasutra/replydesk/internal/config"
	"github.io/infrasutra/replydesk/internal/credentials"
	"github.io/infrasutra/replydesk/internal/ingest"
	"github.io/infrasutra/replydesk/internal/mailbox"
	"github.io/infrasutra/replydesk/internal/oauth"
	"github.io/infrasutra/replydesk/internal/poller"
	"github.io/infrasutra/replydesk/internal/responder"
	"github.io/infrasutra/replydesk/internal/smtprelay"
	"github.io/infrasutra/replydesk/internal/sse"
	"github.io/infrasutra/replydesk/internal/store"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "replydesk",
		Usage:   "Gmail assistant that drafts and auto-sends replies",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE`",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Log at debug level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the auto-reply poller",
				Action: serve,
			},
			{
				Name:   "schema",
				Usage:  "Create the database tables and exit",
				Action: schema,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) (config.Config, *slog.Logger) {
	envFile := c.String("env-file")
	if err := godotenv.Load(envFile); err != nil && c.IsSet("env-file") {
		fmt.Fprintf(os.Stderr, "load %s: %s\n", envFile, err)
	}
	level := slog.LevelInfo
	if c.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	return config.Load(), logger
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	dsn := cfg.DatabaseURL
	if dsn == "" {
		dsn = cfg.DBPath
	}
	db, err := store.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

func schema(c *cli.Context) error {
	cfg, logger := setup(c)
	db, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("schema up to date")
	return nil
}

func serve(c *cli.Context) error {
	cfg, logger := setup(c)
	if missing := cfg.Missing(); len(missing) > 0 {
		logger.Warn("configuration incomplete", "missing", missing)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	upstream := &http.Client{Timeout: cfg.UpstreamTimeout}

	holder := credentials.NewHolder(credentials.NewFileStore(cfg.CredentialsFile))
	restored, err := holder.Restore(ctx)
	if err != nil {
		logger.Warn("stored credentials unreadable; authorization required", "error", err)
	} else if restored {
		tuple, _ := holder.Current()
		logger.Info("restored credentials", "account", tuple.Account)
	}

	controller := oauth.NewController(oauth.Options{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURI:  cfg.RedirectURI,
		AuthURL:      cfg.GoogleAuthURI,
		TokenURL:     cfg.GoogleTokenURI,
		Scopes:       cfg.Scopes,
		HTTPClient:   upstream,
		Logger:       logger,
	}, oauth.NewFileStateStore(cfg.StateFile), holder)
	refresher := oauth.NewRefresher(holder, upstream, logger)

	gateway, err := mailbox.New(ctx, refresher.Client(ctx, cfg.UpstreamTimeout), logger)
	if err != nil {
		return err
	}

	completions := responder.New(responder.Config{
		APIKey:  cfg.GroqAPIKey,
		BaseURL: cfg.GroqURL,
		Model:   cfg.GroqModel,
		Timeout: cfg.UpstreamTimeout,
	}, logger)

	sessions, err := auth.New(cfg.AuthSecret, 30*24*time.Hour, false)
	if err != nil {
		return err
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}

	hub := sse.NewHub()
	deps := api.Deps{
		Config:    cfg,
		Store:     db,
		Holder:    holder,
		Auth:      controller,
		Mail:      gateway,
		Responder: completions,
		Ingester:  ingest.New(upstream, logger),
		Hub:       hub,
		Sessions:  sessions,
		Logger:    logger,
	}
	if cfg.SMTPRelayAddr != "" {
		deps.Relay = smtprelay.New(smtprelay.Config{
			Addr:        cfg.SMTPRelayAddr,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			From:        cfg.SMTPFrom,
			ImplicitTLS: cfg.SMTPImplicitTLS,
			StartTLS:    cfg.SMTPStartTLS,
			Timeout:     cfg.UpstreamTimeout,
		}, logger)
		logger.Info("smtp relay enabled for composed mail", "addr", cfg.SMTPRelayAddr)
	}

	pollerDone := make(chan struct{})
	if cfg.AutoReplyEnabled {
		account := func() string {
			tuple, _ := holder.Current()
			return tuple.Account
		}
		p := poller.New(poller.Config{
			Interval:    cfg.PollInterval,
			Threshold:   cfg.ReplyThreshold,
			MaxResults:  cfg.PollMaxResults,
			MaxAttempts: cfg.AutoReplyMaxAttempts,
			Timeout:     cfg.UpstreamTimeout,
		}, gateway, completions, db, hub, account, logger)
		go func() {
			defer close(pollerDone)
			p.Run(ctx)
		}()
	} else {
		close(pollerDone)
		logger.Info("auto-reply disabled")
	}

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.NewServer(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server stopped", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	select {
	case <-pollerDone:
	case <-shutdownCtx.Done():
		logger.Warn("poller did not stop in time")
	}
	return nil
}
