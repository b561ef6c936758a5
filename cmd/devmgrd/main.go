// Gray Logic Device Manager
//
// devmgrd hosts the device tree: it binds drivers to discovered nodes,
// tracks the hardware ranges they claim and tears subtrees down on removal.
// Lifecycle events are journalled to SQLite (and optionally a CBOR file),
// published to MQTT, written to InfluxDB and streamed over the admin API.
//
// Usage:
//
//	devmgrd                                    run the daemon
//	devmgrd token --subject ops --role admin   mint an admin API token
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-devmgr/internal/api"
	"github.com/nerrad567/gray-logic-devmgr/internal/audit"
	"github.com/nerrad567/gray-logic-devmgr/internal/device"
	"github.com/nerrad567/gray-logic-devmgr/internal/drivers/virtual"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-devmgr/internal/journal"
	"github.com/nerrad567/gray-logic-devmgr/internal/notify"
	"github.com/nerrad567/gray-logic-devmgr/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/devmgr.yaml"

	// shutdownTimeout bounds tearing down the device tree on exit.
	shutdownTimeout = 30 * time.Second

	// statsInterval is how often manager counters are written to InfluxDB.
	statsInterval = 30 * time.Second

	// retentionInterval is how often the journal is pruned.
	retentionInterval = time.Hour
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the daemon, separated from main for testability. It returns nil
// on a clean shutdown after ctx is cancelled.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // startup sequence reads top to bottom
	log := logging.Default()
	log.Info("starting Gray Logic Device Manager",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	auditLog := audit.NewSQLiteRepository(db.DB)

	// closers run in reverse order on return, so every consumer stops
	// before the store it writes to.
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var sinks device.MultiSink
	// Sinks that block on I/O are buffered.
	addAsync := func(next device.EventSink) {
		s := device.NewAsyncSink(next, cfg.Manager.EventBuffer)
		sinks = append(sinks, s)
		closers = append(closers, func() {
			s.Close()
			if dropped := s.Dropped(); dropped > 0 {
				log.Warn("lifecycle events dropped", "sink", fmt.Sprintf("%T", next), "count", dropped)
			}
		})
	}

	var eventJournal api.EventJournal
	if cfg.Journal.Enabled {
		store := journal.NewSQLite(db.DB, log.Component("journal"))
		addAsync(store)
		eventJournal = store
		if cfg.Journal.RetentionDays > 0 {
			go store.RunRetention(ctx, retentionInterval, time.Duration(cfg.Journal.RetentionDays)*24*time.Hour)
		}
		log.Info("journal enabled", "retention_days", cfg.Journal.RetentionDays)

		if cfg.Journal.File != "" {
			file, fileErr := journal.OpenFile(cfg.Journal.File)
			if fileErr != nil {
				return fmt.Errorf("opening journal file: %w", fileErr)
			}
			closers = append(closers, func() {
				if closeErr := file.Close(); closeErr != nil {
					log.Error("error closing journal file", "error", closeErr)
				}
			})
			addAsync(file)
			log.Info("journal file opened", "path", cfg.Journal.File)
		}
	}

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	go hub.Run(ctx)
	sinks = append(sinks, hub)

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(ctx, cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		client := mqttClient
		closers = append(closers, func() {
			log.Info("disconnecting from MQTT")
			if closeErr := client.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		})
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT connection restored") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT connection lost", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		addAsync(notify.NewEventPublisher(mqttClient, mqttClient.Topics(), mqttClient.QoS(), log.Component("notify")))
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		client := influxClient
		closers = append(closers, func() {
			log.Info("closing InfluxDB")
			if closeErr := client.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		})
		influxClient.SetOnError(func(err error) { log.Warn("InfluxDB write failed", "error", err) })
		sinks = append(sinks, influxClient)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	opts := device.Options{
		ReclaimWorkers:   cfg.Manager.ReclaimWorkers,
		ProbeConcurrency: cfg.Manager.ProbeConcurrency,
		RescanInterval:   cfg.Manager.RescanInterval,
	}
	if cfg.Manager.EvictUnused {
		opts.EvictInterval = cfg.Manager.EvictInterval
	}
	manager := device.NewManager(device.NewRegistry(), opts)
	manager.SetLogger(log.Component("device"))
	manager.SetEventSink(sinks)
	if startErr := manager.Start(ctx); startErr != nil {
		return fmt.Errorf("starting device manager: %w", startErr)
	}
	closers = append(closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := manager.Close(shutdownCtx); closeErr != nil {
			log.Error("error stopping device manager", "error", closeErr)
		}
	})

	if cfg.VirtualBus.Enabled {
		if virtErr := startVirtualBus(ctx, manager, cfg.VirtualBus, log); virtErr != nil {
			return virtErr
		}
	}

	if mqttClient != nil {
		cmds := notify.NewCommands(manager, mqttClient.Topics(), 0, log.Component("notify"))
		cmds.SetAuditor(auditLog)
		if subErr := cmds.Subscribe(mqttClient, mqttClient.QoS()); subErr != nil {
			cmds.Close()
			return fmt.Errorf("subscribing to MQTT commands: %w", subErr)
		}
		closers = append(closers, cmds.Close)
		log.Info("MQTT command listener started")
	}

	if influxClient != nil {
		go influxClient.ReportStats(ctx, statsInterval, manager.Stats)
	}

	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Manager:  manager,
		Journal:  eventJournal,
		Audit:    auditLog,
		Hub:      hub,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	closers = append(closers, func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	})

	if healthErr := healthCheck(ctx, db, mqttClient, influxClient); healthErr != nil {
		log.Warn("initial health check failed", "error", healthErr)
	} else {
		log.Info("all health checks passed")
	}

	stats := manager.Stats()
	log.Info("Gray Logic Device Manager started",
		"nodes", stats.Nodes,
		"bound", stats.Bound,
		"ranges", stats.Ranges,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, stopping services")
	return nil
}

// getConfigPath returns the config file path from DEVMGR_CONFIG, falling
// back to the default.
func getConfigPath() string {
	if path := os.Getenv("DEVMGR_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startVirtualBus registers the virtual drivers, adds the virtual bus root
// and probes it. A probe failure is logged; the daemon keeps running so the
// tree can be rescanned later.
func startVirtualBus(ctx context.Context, manager *device.Manager, cfg config.VirtualBusConfig, log *logging.Logger) error {
	if _, err := virtual.Register(manager, cfg, log.Component("virtual")); err != nil {
		return fmt.Errorf("registering virtual drivers: %w", err)
	}
	root, err := virtual.AddRoot(ctx, manager, cfg)
	if err != nil {
		return fmt.Errorf("adding virtual bus: %w", err)
	}
	if probeErr := manager.Probe(ctx, root); probeErr != nil {
		log.Warn("virtual bus probe failed", "node", root.Handle().String(), "error", probeErr)
		return nil
	}
	log.Info("virtual bus probed",
		"node", root.Handle().String(),
		"devices", len(cfg.Devices),
	)
	return nil
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient are nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
