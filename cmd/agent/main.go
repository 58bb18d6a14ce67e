// cmd/agent/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/agent"
	"github.com/baileyji/M2FS-Control-sub000/internal/config"
	"github.com/baileyji/M2FS-Control-sub000/internal/database"
	"github.com/baileyji/M2FS-Control-sub000/internal/discovery"
	serialscan "github.com/baileyji/M2FS-Control-sub000/internal/discovery/serial"
	tcpscan "github.com/baileyji/M2FS-Control-sub000/internal/discovery/tcp"
	"github.com/baileyji/M2FS-Control-sub000/internal/driver/galil"
	"github.com/baileyji/M2FS-Control-sub000/internal/handler"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/protocol"
	"github.com/baileyji/M2FS-Control-sub000/internal/repository"
	"github.com/baileyji/M2FS-Control-sub000/internal/routes"
	"github.com/baileyji/M2FS-Control-sub000/internal/service"
	"github.com/baileyji/M2FS-Control-sub000/internal/utils"
)

// Application represents the agent process
type Application struct {
	config *config.Config
	logger *zap.Logger

	agent      *agent.Agent
	controller *galil.Controller

	server    *http.Server
	eventBus  *handler.EventBus
	websocket *handler.WebSocketHandler
	ports     *discovery.ScannerManager

	database *database.DB
	journal  *service.JournalService

	sinks   []agent.EventSink
	workers sync.WaitGroup
}

func main() {
	configPath := flag.String("config", "", "path to agent.yaml")
	listPorts := flag.Bool("list-ports", false, "list candidate controller ports and exit")
	flag.Parse()

	if *listPorts {
		if err := printPorts(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Port scan failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Error("Agent exited with error", zap.Error(err))
		utils.CloseLogger(app.logger)
		os.Exit(1)
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	utils.NewServiceLogger(logger, cfg.Agent.Name).LogServiceStart(cfg.Agent.Cookie, cfg.Agent)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeJournal(); err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	app.initializeEventBus()

	if err := app.initializeAgent(); err != nil {
		app.closeJournal()
		return nil, fmt.Errorf("failed to initialize agent: %w", err)
	}

	app.initializeServer()

	return app, nil
}

// initializeJournal connects the command journal when enabled
func (app *Application) initializeJournal() error {
	if !app.config.Journal.Enabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Open(ctx, app.config, app.logger)
	if err != nil {
		return err
	}

	if err := database.NewMigrator(db, app.logger).Up(); err != nil {
		db.Close()
		return fmt.Errorf("failed to run journal migrations: %w", err)
	}

	app.database = db
	app.journal = service.NewJournalService(
		repository.NewCommandRepository(db, app.logger),
		app.config.Journal.QueueSize,
		app.config.Journal.Retention,
		app.logger,
	)
	app.sinks = append(app.sinks, app.journal)
	return nil
}

// initializeEventBus creates the monitor event bus when enabled
func (app *Application) initializeEventBus() {
	if !app.config.Monitor.Enabled {
		return
	}

	app.eventBus = handler.NewEventBus(app.logger)
	app.websocket = handler.NewWebSocketHandler(app.eventBus, app.config.Monitor.AllowedOrigins, app.logger)
	app.sinks = append(app.sinks, app.eventBus)
}

// initializeAgent builds the motion controller adapter and the agent
func (app *Application) initializeAgent() error {
	opts := []agent.Option{agent.WithLogger(app.logger)}
	for _, sink := range app.sinks {
		opts = append(opts, agent.WithEventSink(sink))
	}

	handlers := agent.Table{}
	if app.config.Galil.Enabled {
		kind := model.ConnectionType(strings.ToUpper(app.config.Galil.ConnectionType))
		transport, err := protocol.CreateTransport(kind, app.config.Galil.Connection, app.logger)
		if err != nil {
			return fmt.Errorf("failed to create galil transport: %w", err)
		}

		app.controller = galil.NewController("galil", transport, galil.Config{
			MotionThreads: app.config.Galil.MotionThreads,
			StatusThread:  app.config.Galil.StatusThread,
			ReplyTimeout:  app.config.Galil.ReplyTimeout,
		}, app.logger)

		handlers = galil.Handlers(app.controller)
		opts = append(opts,
			agent.WithDevice(app.controller.Connection()),
			agent.WithHook(galil.StatusHook(app.controller, app.config.Galil.StatusPollInterval)),
		)
	}

	a, err := agent.New(agent.Settings{
		Name:           app.config.Agent.Name,
		ListenAddr:     app.config.GetListenAddr(),
		MaxClients:     app.config.Agent.MaxClients,
		Cookie:         app.config.Agent.Cookie,
		PollInterval:   app.config.Agent.PollInterval,
		CommandTimeout: app.config.Agent.CommandTimeout,
	}, handlers, opts...)
	if err != nil {
		return err
	}

	app.agent = a
	return nil
}

// initializeServer sets up the monitor HTTP server when enabled
func (app *Application) initializeServer() {
	if !app.config.Monitor.Enabled {
		return
	}

	var (
		db      handler.JournalStore
		journal handler.JournalReader
	)
	if app.database != nil {
		db = app.database
		journal = app.journal
	}

	app.ports = newPortScanner(app.config, app.logger)

	router := routes.NewRouter(&app.config.Monitor, app.logger, app.agent, db, journal, app.ports, app.websocket).SetupRouter()
	app.server = &http.Server{
		Addr:         app.config.GetMonitorAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Monitor.ReadTimeout,
		WriteTimeout: app.config.Monitor.WriteTimeout,
	}
}

// Start runs the agent until SIGINT/SIGTERM or until the loop fails
func (app *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.startBackgroundServices(ctx)

	if app.controller != nil {
		openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := app.controller.Open(openCtx); err != nil {
			// Commands reopen the link on demand
			app.logger.Warn("Galil controller not reachable at startup", zap.Error(err))
		}
		openCancel()
	}

	agentErr := make(chan error, 1)
	go func() {
		agentErr <- app.agent.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var err error
	select {
	case sig := <-quit:
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		err = <-agentErr
	case err = <-agentErr:
		cancel()
	}

	app.shutdown()
	return err
}

// startBackgroundServices starts the monitor and journal workers
func (app *Application) startBackgroundServices(ctx context.Context) {
	if app.eventBus != nil {
		app.goWorker(func() { app.eventBus.Start(ctx) })
		app.goWorker(func() { app.websocket.Run(ctx) })
	}

	if app.journal != nil {
		app.goWorker(func() { app.journal.Run(ctx) })
	}

	if app.server != nil {
		go func() {
			app.logger.Info("Starting monitor HTTP server", zap.String("address", app.server.Addr))
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Error("Monitor HTTP server failed", zap.Error(err))
			}
		}()
	}
}

func (app *Application) goWorker(run func()) {
	app.workers.Add(1)
	go func() {
		defer app.workers.Done()
		run()
	}()
}

// shutdown stops the monitor, waits for the workers and closes the journal.
// The agent has already closed its listener, device and clients.
func (app *Application) shutdown() {
	utils.NewServiceLogger(app.logger, app.config.Agent.Name).LogServiceStop("shutdown")

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("Monitor HTTP server shutdown error", zap.Error(err))
		}
		cancel()
	}

	app.workers.Wait()
	app.closeJournal()

	app.logger.Info("Application shutdown completed")
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Fprintf(os.Stderr, "Logger close error: %v\n", err)
	}
}

func (app *Application) closeJournal() {
	if app.database == nil {
		return
	}
	if err := app.database.Close(); err != nil {
		app.logger.Error("Journal database close error", zap.Error(err))
	}
}

// newPortScanner registers the serial scanner and, for a TCP controller
// link, a probe of the configured relay
func newPortScanner(cfg *config.Config, logger *zap.Logger) *discovery.ScannerManager {
	manager := discovery.NewScannerManager(logger)
	manager.RegisterScanner(serialscan.NewScanner(logger, nil))

	var targets []string
	if model.ConnectionType(strings.ToUpper(cfg.Galil.ConnectionType)) == model.ConnectionTypeTCP {
		tcpConfig := protocol.ParseTCPConfig(cfg.Galil.Connection)
		targets = append(targets, net.JoinHostPort(tcpConfig.Host, strconv.Itoa(tcpConfig.Port)))
	}
	manager.RegisterScanner(tcpscan.NewScanner(logger, &tcpscan.Config{Targets: targets}))
	return manager
}

// printPorts writes the discovered ports to stdout as JSON
func printPorts(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer utils.CloseLogger(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ports, err := newPortScanner(cfg, logger).ScanAll(ctx)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(ports)
}
