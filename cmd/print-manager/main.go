// Command print-manager runs the printer fleet core: device connections,
// job metadata extraction, the operating-hours policy, access reader and the
// kiosk API.
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

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/bitlair/Print-manager/internal/access"
	"github.com/bitlair/Print-manager/internal/api"
	"github.com/bitlair/Print-manager/internal/auth"
	"github.com/bitlair/Print-manager/internal/config"
	"github.com/bitlair/Print-manager/internal/core"
	"github.com/bitlair/Print-manager/internal/db"
	"github.com/bitlair/Print-manager/internal/device"
	"github.com/bitlair/Print-manager/internal/extract"
	"github.com/bitlair/Print-manager/internal/payment"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("print-manager failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var debug, showVersion bool

	flagSet := pflag.NewFlagSet("print-manager", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	flagSet.BoolVar(&debug, "debug", false, "police printers around the clock and log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("print-manager", version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = config.LoadFromEnv(cfg)
	if debug {
		cfg.Policy.AlwaysActive = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("config loaded", "path", configPath, "printers", len(cfg.Printers.Devices), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	ledger := db.NewPaymentOperations(database)

	policy, err := core.NewPolicy(cfg.Policy)
	if err != nil {
		return fmt.Errorf("build policy: %w", err)
	}

	var payer core.Payer
	if cfg.Payment.Enabled {
		bank, err := payment.NewBank(cfg.Payment, logger)
		if err != nil {
			return fmt.Errorf("configure bank: %w", err)
		}
		payer = bank
	} else {
		logger.Warn("payments disabled, completed prints are only recorded")
	}

	extractor := extract.NewExtractor(extract.Options{
		TempDir:         cfg.Extraction.TempDir,
		HeaderThreshold: cfg.Extraction.HeaderThreshold,
		Logger:          logger,
	})
	pool := core.NewPool(cfg.Extraction, logger)
	defer pool.Close()

	manager := core.NewManager(policy, logger)
	for i, dev := range cfg.Printers.Devices {
		if err := addPrinter(manager, cfg, dev, i, core.PrinterDeps{
			Extractor:  extractor,
			Dispatcher: pool,
			Policy:     policy,
			Payer:      payer,
			Ledger:     ledger,
			Notify:     manager.Notify,
			Logger:     logger,
		}); err != nil {
			return err
		}
	}

	tokens, err := auth.NewTokens(cfg.Access.TokenSecret, cfg.Access.TokenTTL)
	if err != nil {
		return err
	}
	users := access.NewDirectory(cfg.Access.Users, cfg.Access.DefaultUsername)
	hub := api.NewHub(manager, tokens, users, api.HubOptions{
		PushInterval: cfg.Server.PushInterval,
		Logger:       logger,
	})

	manager.Start(ctx)
	defer manager.Stop()
	go hub.Run(ctx)

	if cfg.Access.Enabled {
		reader := access.NewReader(access.Options{
			DevicePath:       cfg.Access.DevicePath,
			ScanInterval:     cfg.Access.ScanInterval,
			IgnoreDevices:    cfg.Access.IgnoreDevices,
			ReleaseAfterRead: cfg.Access.ReleaseAfterRead,
			Logger:           logger,
		})
		go func() {
			if err := reader.Run(ctx); err != nil {
				logger.Error("access reader stopped", "error", err)
			}
		}()
		go hub.ConsumeAccess(reader.Events())
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.RouterDeps{
		Printers:  manager,
		Payments:  ledger,
		DB:        database,
		Hub:       hub,
		StaticDir: cfg.Server.StaticDir,
		Logger:    logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("print-manager stopped")
	return nil
}

func addPrinter(manager *core.Manager, cfg *config.Config, dev config.PrinterConfig, ordinal int, deps core.PrinterDeps) error {
	// reports only arrive after Connect, by which time printer is set
	var printer *core.Printer
	client := device.NewMQTTClient(device.MQTTOptions{
		Host:           dev.Host,
		Port:           dev.MQTTPort,
		Username:       dev.Username,
		Password:       dev.Password,
		Serial:         dev.Serial,
		ConnectTimeout: cfg.Printers.ConnectionTimeout,
		Logger:         deps.Logger.With("printer", dev.Title),
	}, func(payload []byte) {
		printer.HandleReport(payload)
	})

	deps.Commander = client
	deps.Files = device.NewFTPStore(device.FTPOptions{
		Host:     dev.Host,
		Port:     dev.FTPPort,
		Username: dev.Username,
		Password: dev.Password,
		Timeout:  cfg.Printers.ConnectionTimeout,
	})

	printer = core.NewPrinter(core.PrinterOptions{
		Serial:            dev.Serial,
		Title:             dev.Title,
		Ordinal:           ordinal,
		ExtractionTimeout: cfg.Extraction.Timeout,
		RetryAfter:        cfg.Extraction.RetryAfter,
		CommandInterval:   cfg.Printers.CommandInterval,
		PaymentTimeout:    cfg.Payment.Timeout,
		TempDir:           cfg.Extraction.TempDir,
	}, deps)

	if err := manager.AddPrinter(printer, client); err != nil {
		return fmt.Errorf("add printer %s: %w", dev.Title, err)
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
