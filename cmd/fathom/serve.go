package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fathom/internal/activity"
	"fathom/internal/command"
	"fathom/internal/config"
	"fathom/internal/gitstore"
	"fathom/internal/history"
	"fathom/internal/llm"
	"fathom/internal/logging"
	"fathom/internal/research"
	"fathom/internal/search"
	"fathom/internal/secrets"
	"fathom/internal/session"
	"fathom/internal/state"
	"fathom/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the research server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func loadConfig() (*config.Config, error) {
	if configSecret != "" {
		if configPath == "" {
			return nil, errors.New("--secret requires --config")
		}
		return config.LoadEncrypted(configPath, configSecret)
	}
	return config.Load(configPath)
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, level, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.StatePath), 0o755); err != nil {
		return err
	}
	secretStore, err := secrets.NewStore(cfg.Storage.SecretsDir, logger.Named("secrets"))
	if err != nil {
		return err
	}
	var historyStore *history.Store
	if cfg.Storage.HistoryPath != "" {
		historyStore, err = history.Open(cfg.Storage.HistoryPath)
		if err != nil {
			logger.Warn("chat history unavailable", zap.Error(err))
		} else {
			defer historyStore.Close()
		}
	}

	activityChan := activity.NewChannel(cfg.Session.ActivityCapacity, logger.Named("activity"))

	controller := session.NewController(session.Config{
		PromptTimeout:     cfg.Session.PromptTimeout.Std(),
		InactivityTimeout: cfg.Session.InactivityTimeout.Std(),
		SweepInterval:     cfg.Session.SweepInterval.Std(),
		CSRFTTL:           cfg.Session.CSRFTTL.Std(),
		LogSnapshotLimit:  cfg.Session.LogSnapshotLimit,
		Research: research.Config{
			MaxDepth:          cfg.Research.MaxDepth,
			MaxBreadth:        cfg.Research.MaxBreadth,
			Concurrency:       cfg.Research.Concurrency,
			ResultsPerQuery:   cfg.Research.ResultsPerQuery,
			MaxLearningsChars: cfg.Research.MaxLearningsChars,
			LLMTimeout:        cfg.Research.LLMTimeout.Std(),
			WallClockBudget:   cfg.Research.WallClockBudget.Std(),
		},
		ChatDefaults:     command.Defaults{Model: cfg.Research.DefaultModel, Character: "assistant"},
		ResearchDefaults: command.Defaults{Model: cfg.Research.DefaultModel, Character: "analyst"},
	}, session.Deps{
		Activity:  activityChan,
		Telemetry: telemetry.NewRegistry(logger.Named("telemetry")),
		Secrets:   secretStore,
		State:     state.NewStore(cfg.Storage.StatePath, logger.Named("state")),
		History:   historyStore,
		LLMFactory: func(apiKey string) llm.Client {
			llmCfg := llm.DefaultConfig(apiKey)
			llmCfg.Model = cfg.Research.DefaultModel
			return llm.NewVeniceClient(llmCfg)
		},
		SearchFactory: func(braveKey string) *search.Client {
			var provider search.Provider
			if braveKey != "" {
				provider = search.NewBraveProvider(braveKey, "", nil)
			} else {
				provider = search.NewDuckDuckGoProvider("", "", nil)
			}
			retry := search.RetryConfig{
				MaxRetries:     2,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     4 * time.Second,
			}
			return search.NewClient(provider, retry, 20*time.Second, logger.Named("search"))
		},
		GitStoreFactory: func(gc gitstore.Config) *gitstore.Client {
			return gitstore.New(gc, nil, activityChan, logger.Named("gitstore"))
		},
		Logger: logger.Named("session"),
	})

	go controller.Run(ctx)
	if configPath != "" && configSecret == "" {
		go func() {
			if err := config.WatchLogLevel(ctx, configPath, level, logger.Named("config")); err != nil {
				logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Operators connect from the bundled terminal UI on any origin.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="fathom"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		rec, err := secretStore.Authenticate(username, password)
		if err != nil {
			logger.Info("login rejected", zap.String("username", username), zap.Error(err))
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		transport := session.NewWSTransport(conn)
		sess := controller.Connect(transport, username, rec.Role)
		go transport.ReadLoop(
			func(raw []byte) { controller.HandleMessage(sess, raw) },
			func(err error) { controller.HandleClose(sess) },
		)
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
