package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/arcade"
	"github.com/orbtools/orb-workflow/internal/billing"
	"github.com/orbtools/orb-workflow/internal/config"
	"github.com/orbtools/orb-workflow/internal/driver"
	"github.com/orbtools/orb-workflow/internal/engine"
	"github.com/orbtools/orb-workflow/internal/extract"
	httpserver "github.com/orbtools/orb-workflow/internal/interfaces/http"
	"github.com/orbtools/orb-workflow/internal/ledger"
	"github.com/orbtools/orb-workflow/internal/report"
	"github.com/orbtools/orb-workflow/internal/source/email"
	"github.com/orbtools/orb-workflow/internal/source/files"
	"github.com/orbtools/orb-workflow/internal/verify"
	"github.com/orbtools/orb-workflow/pkg/database"
	"github.com/orbtools/orb-workflow/pkg/utils"
)

func main() {
	// Load .env before config so env bindings see the values
	_ = gotenv.Load()

	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting billing setup workflow service",
		zap.Int("port", cfg.Server.Port))

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Repositories
	handledLedger := ledger.NewLedger(db, logger)
	runRepo := ledger.NewRunRepository(db, logger)

	// Collaborators
	toolClient := arcade.NewClient(arcade.Config{
		WorkerURL:    cfg.Arcade.WorkerURL,
		WorkerSecret: cfg.Arcade.WorkerSecret,
		UserID:       cfg.Arcade.UserID,
		Timeout:      cfg.Arcade.Timeout,
	}, logger)

	extractor := extract.NewExtractor(extract.Config{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
	}, logger)

	verifier := verify.NewVerifier(verify.Config{
		AppID:        cfg.Lark.AppID,
		AppSecret:    cfg.Lark.AppSecret,
		ChatID:       cfg.Lark.VerificationChatID,
		PollInterval: cfg.Workflow.ReplyPollInterval,
	}, logger)

	interpreter := verify.NewInterpreter(verify.LLMConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
	}, logger)

	validator := billing.NewValidator(logger)
	provisioner := billing.NewProvisioner(toolClient, logger)

	// Engine
	workflowEngine := engine.NewEngine(
		extractor,
		verifier,
		interpreter,
		validator,
		provisioner,
		runRepo,
		handledLedger,
		engine.Config{
			ReplyTimeout: cfg.Workflow.ReplyTimeout,
			MaxRetries:   cfg.Workflow.MaxRetries,
		},
		logger,
	)

	// Sources
	fileSource, err := files.NewWatcher(cfg.Sources.DocumentsDir, logger)
	if err != nil {
		logger.Fatal("Failed to initialize file source", zap.Error(err))
	}

	var emailSource driver.EmailSource
	if cfg.Sources.EmailEnabled {
		poller, err := email.NewPoller(toolClient, cfg.Sources.SpoolDir, logger)
		if err != nil {
			logger.Fatal("Failed to initialize email source", zap.Error(err))
		}
		emailSource = poller
	}

	workflowDriver := driver.NewDriver(
		fileSource,
		emailSource,
		handledLedger,
		workflowEngine,
		driver.Config{
			IdleWait:          cfg.Workflow.IdleWait,
			EmailPollInterval: cfg.Sources.EmailPollInterval,
		},
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The source starts before the driver and stops after it
	manager := driver.NewManager(logger)
	manager.Register(fileSource)
	manager.Register(workflowDriver)
	if err := manager.StartAll(ctx); err != nil {
		logger.Fatal("Failed to start workers", zap.Error(err))
	}

	// HTTP status surface
	exporter := report.NewExporter(runRepo, cfg.Report.OutputDir, logger)
	handlers := httpserver.NewHandlers(runRepo, exporter, logger)
	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, handlers, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	// Stop discovery first; in-flight runs are abandoned and their items
	// re-discovered on the next start
	manager.StopAll()
	cancel()

	logger.Info("Service exited")
}
