package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"printernizer/config"
	"printernizer/events"
	"printernizer/jobs"
	"printernizer/library"
	"printernizer/logger"
	"printernizer/monitor"
	"printernizer/notify"
	"printernizer/printers"
	"printernizer/printers/bambu"
	"printernizer/printers/octoprint"
	"printernizer/storage"
	"printernizer/supervisor"
	"printernizer/usage"
)

// App wires the whole service together and owns startup/shutdown ordering.
type App struct {
	cfg    config.Config
	log    *logger.Logger
	store  *storage.SQLiteStore
	bus    *events.Bus
	jobSvc *jobs.Service
	libSvc *library.Service
	watch  *library.Watcher
	notif  *notify.Dispatcher
	rec    *usage.Recorder
	sup    *supervisor.Supervisor

	health  *http.Server
	started time.Time
}

// NewApp builds every component from configuration. Nothing is started yet.
func NewApp(cfg config.Config, log *logger.Logger) (*App, error) {
	store, err := storage.NewSQLiteStore(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	bus := events.NewBus(log)
	jobSvc := jobs.NewService(store, bus, log)

	libraryRoot := cfg.LibraryPath
	if libraryRoot == "" {
		abs, err := filepath.Abs("library")
		if err != nil {
			store.Close()
			return nil, err
		}
		libraryRoot = abs
	}
	libSvc, err := library.NewService(store.Library(), bus, library.Options{
		Root:                   libraryRoot,
		PreserveOriginals:      cfg.LibraryPreserveOriginals,
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
	}, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("library: %w", err)
	}

	notif := notify.NewDispatcher(store.Notifications(), bus, notify.Options{
		RetentionDays: cfg.NotificationHistoryRetentionDays,
	}, log)
	rec := usage.NewRecorder(store.Usage(), true, log)

	var watchFolders []string
	if cfg.WatchFoldersEnable {
		watchFolders = cfg.WatchFolders
	}
	sup := supervisor.New(store.Printers(), jobSvc, libSvc, bus, rec, supervisor.Options{
		StatusInterval: cfg.PollingInterval(),
		OpTimeout:      cfg.ConnectionTimeout(),
		AutoCreateJobs: cfg.JobCreationAutoCreate,
		WatchFolders:   watchFolders,
	}, log)

	app := &App{
		cfg:    cfg,
		log:    log,
		store:  store,
		bus:    bus,
		jobSvc: jobSvc,
		libSvc: libSvc,
		notif:  notif,
		rec:    rec,
		sup:    sup,
	}
	if cfg.WatchFoldersEnable && len(cfg.WatchFolders) > 0 {
		app.watch = library.NewWatcher(libSvc, cfg.WatchFolders, log)
	}

	if err := app.registerPrinters(); err != nil {
		store.Close()
		return nil, err
	}
	return app, nil
}

// registerPrinters syncs configured printers into the repository and builds
// a driver plus monitor for each active one.
func (a *App) registerPrinters() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := a.store.Printers()
	for _, pc := range a.cfg.Printers {
		record := &storage.Printer{
			ID:         pc.ID,
			Name:       pc.Name,
			Type:       pc.Type,
			Host:       pc.Host,
			Port:       pc.Port,
			APIKey:     pc.APIKey,
			AccessCode: pc.AccessCode,
			Serial:     pc.Serial,
			IsActive:   pc.IsActive,
		}
		err := repo.Create(ctx, record)
		if errors.Is(err, storage.ErrDuplicate) {
			err = repo.Update(ctx, pc.ID, storage.PrinterPatch{
				Name:       &record.Name,
				Host:       &record.Host,
				Port:       &record.Port,
				APIKey:     &record.APIKey,
				AccessCode: &record.AccessCode,
				Serial:     &record.Serial,
				IsActive:   &record.IsActive,
			})
		}
		if err != nil {
			return fmt.Errorf("sync printer %s: %w", pc.ID, err)
		}
		if !pc.IsActive {
			continue
		}

		driver, err := a.buildDriver(pc)
		if err != nil {
			return err
		}
		mon := monitor.New(driver, monitor.Options{
			BaseInterval:  a.cfg.PollingInterval(),
			MaxInterval:   a.cfg.MonitorMaxInterval(),
			BackoffFactor: a.cfg.MonitorBackoffFactor,
			OpTimeout:     a.cfg.ConnectionTimeout(),
		}, a.log)
		if err := a.sup.Register(record, driver, mon); err != nil {
			return err
		}
	}
	return nil
}

// buildDriver maps a printer config to its protocol driver. Prusa printers
// expose an OctoPrint-compatible HTTP API, so both share the driver.
func (a *App) buildDriver(pc config.PrinterConfig) (printers.Driver, error) {
	switch pc.Type {
	case "bambu_lab":
		return bambu.New(bambu.Config{
			PrinterID:          pc.ID,
			Host:               pc.Host,
			Port:               pc.Port,
			AccessCode:         pc.AccessCode,
			Serial:             pc.Serial,
			ConnectTimeout:     a.cfg.ConnectionTimeout(),
			RetryCount:         a.cfg.MQTTRetryCount,
			RetryDelay:         time.Duration(a.cfg.MQTTRetryDelayS) * time.Second,
			RetryMaxDelay:      time.Duration(a.cfg.MQTTRetryMaxDelayS) * time.Second,
			AutoReconnectDelay: time.Duration(a.cfg.MQTTAutoReconnectDelayS) * time.Second,
			ReconnectCooldown:  time.Duration(a.cfg.MQTTReconnectCooldownS) * time.Second,
		}, a.log), nil
	case "octoprint", "prusa":
		return octoprint.New(octoprint.Config{
			PrinterID: pc.ID,
			Host:      pc.Host,
			Port:      pc.Port,
			APIKey:    pc.APIKey,
			UseTLS:    pc.UseTLS,
			Timeout:   a.cfg.ConnectionTimeout(),
		}, a.log), nil
	default:
		return nil, fmt.Errorf("printer %s: unsupported type %q", pc.ID, pc.Type)
	}
}

// Start brings the service up: dispatcher first so no events are missed,
// then the watcher, then the supervisor, then the health endpoint.
func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.notif.Start()
	a.rec.Record(usage.EventAppStarted, nil)

	if a.watch != nil {
		if err := a.watch.Start(ctx); err != nil {
			a.log.Warn("watch folder watcher failed to start", "error", err)
			a.watch = nil
		}
	}

	a.sup.Start(ctx)

	if a.cfg.HealthAddr != "" {
		if err := a.startHealth(); err != nil {
			return err
		}
	}
	a.log.Info("printernizer started",
		"printers", a.sup.PrinterCount(), "database", a.cfg.Database)
	return nil
}

// Stop shuts the service down: supervisor tasks and monitors first, then
// drivers, then the dispatcher drain, then storage.
func (a *App) Stop() {
	if a.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		a.health.Shutdown(ctx)
		cancel()
	}
	if a.watch != nil {
		a.watch.Stop()
	}
	a.sup.Stop()
	a.notif.Stop()
	a.rec.Close()
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("database close failed", "error", err)
	}
	a.log.Info("printernizer stopped")
}

func (a *App) startHealth() error {
	ln, err := net.Listen("tcp", a.cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	a.health = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.health.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.Error("health server failed", "error", err)
		}
	}()
	a.log.Info("health endpoint listening", "addr", a.cfg.HealthAddr)
	return nil
}

// handleHealthz reports component status plus per-monitor metrics.
func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status   string                     `json:"status"`
		UptimeS  int64                      `json:"uptime_s"`
		Printers int                        `json:"printers"`
		Monitors map[string]monitor.Metrics `json:"monitors"`
	}
	resp := health{
		Status:   "ok",
		UptimeS:  int64(time.Since(a.started).Seconds()),
		Printers: a.sup.PrinterCount(),
		Monitors: a.sup.MonitorMetrics(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
