// denond - Denon AV receiver bridge daemon
//
// denond keeps a connection to one receiver and exposes it to the rest of
// the house:
//   - MQTT: retained state, commands, requests and health
//   - HTTP: REST state endpoints, WebSocket events and Prometheus metrics
//   - SQLite state history and optional InfluxDB telemetry
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lurtz/denon-control/internal/api"
	"github.com/lurtz/denon-control/internal/bridges/denon"
	"github.com/lurtz/denon-control/internal/history"
	"github.com/lurtz/denon-control/internal/infrastructure/config"
	"github.com/lurtz/denon-control/internal/infrastructure/database"
	"github.com/lurtz/denon-control/internal/infrastructure/influxdb"
	"github.com/lurtz/denon-control/internal/infrastructure/logging"
	"github.com/lurtz/denon-control/internal/infrastructure/metrics"
	"github.com/lurtz/denon-control/internal/infrastructure/mqtt"
	"github.com/lurtz/denon-control/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath  = "configs/config.yaml"
	defaultEnvFilePath = ".env"

	historyPruneInterval = time.Hour
	metricsInterval      = 15 * time.Second
	historyWriteTimeout  = 2 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown once ctx is cancelled.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting denond",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := config.LoadEnvFile(getEnvFilePath()); err != nil {
		return err
	}

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

	receiverID := cfg.Receiver.ID

	// State history
	var db *database.DB
	var historyRepo *history.SQLiteRepository
	if cfg.History.Enabled {
		db, err = database.Open(cfg.Database)
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

		historyRepo = history.NewSQLiteRepository(db.DB)
		if retention := cfg.History.GetRetention(); retention > 0 {
			go historyRepo.PruneEvery(ctx, historyPruneInterval, retention, func(err error) {
				log.Warn("history prune failed", "error", err)
			})
		}
	} else {
		log.Info("state history disabled")
	}

	// MQTT
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		will, willErr := lastWill(receiverID)
		if willErr != nil {
			return willErr
		}
		mqttClient, err = mqtt.Connect(cfg.MQTT, will)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Receiver
	supervisor := denon.NewSupervisor(supervisorConfig(cfg.Receiver))
	supervisor.SetLogger(log.Component("denon"))

	m := metrics.New(receiverID)

	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("websocket"))
	}

	var bridge *denon.Bridge
	if mqttClient != nil {
		bridge, err = denon.NewBridge(bridgeOptions(cfg, mqttClient, supervisor, historyRepo, influxClient, log))
		if err != nil {
			return fmt.Errorf("creating bridge: %w", err)
		}
	}

	supervisor.SetOnUpdate(denon.Fanout(updateHandlers(receiverID, m, bridge, hub, historyRepo, influxClient, log)...))
	supervisor.SetOnStateChange(func(connected bool) {
		log.Info("receiver connection changed", "connected", connected)
		if bridge != nil {
			bridge.HandleConnectionChange(connected)
		}
		if hub != nil {
			hub.HandleConnectionChange(connected)
		}
		if influxClient != nil {
			influxClient.WriteConnectionState(receiverID, connected)
		}
	})

	supervisor.Start(ctx)
	defer func() {
		log.Info("stopping receiver supervisor")
		supervisor.Close()
	}()
	log.Info("receiver supervisor started", "address", cfg.Receiver.Address, "receiver_id", receiverID)

	if bridge != nil {
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping bridge")
			bridge.Stop()
		}()
	}

	go m.Run(ctx, supervisor, metricsInterval)

	// HTTP API
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Logger:      log.Component("api"),
			Receiver:    supervisor,
			Metrics:     m.Handler(),
			ExternalHub: hub,
			ReceiverID:  receiverID,
			VolumeLimit: cfg.Receiver.MaxVolume,
			Version:     version,
		}
		if historyRepo != nil {
			deps.History = historyRepo
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// API, bridge, supervisor, InfluxDB, MQTT, database.

	log.Info("denond stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DENON_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DENON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// getEnvFilePath returns the dotenv file path from DENON_ENV_FILE.
func getEnvFilePath() string {
	if path := os.Getenv("DENON_ENV_FILE"); path != "" {
		return path
	}
	return defaultEnvFilePath
}

// lastWill builds the MQTT Last Will that marks the receiver offline if the
// daemon disappears without a clean disconnect.
func lastWill(receiverID string) (*mqtt.Will, error) {
	payload, err := json.Marshal(denon.NewLWTMessage(receiverID))
	if err != nil {
		return nil, fmt.Errorf("encoding last will: %w", err)
	}
	return &mqtt.Will{
		Topic:    denon.HealthTopic(receiverID),
		Payload:  payload,
		QoS:      1,
		Retained: true,
	}, nil
}

// supervisorConfig converts receiver settings to the supervisor's policy.
func supervisorConfig(rc config.ReceiverConfig) denon.SupervisorConfig {
	return denon.SupervisorConfig{
		Connection: denon.Config{
			Address:        rc.Address,
			ConnectTimeout: rc.GetConnectTimeout(),
			ReadTimeout:    rc.GetReadTimeout(),
			PollInterval:   rc.GetPollInterval(),
			PollAttempts:   rc.PollAttempts,
			RetryDelay:     rc.GetRetryDelay(),
		},
		ReconnectInterval:    time.Duration(rc.Reconnect.InitialDelay) * time.Second,
		MaxReconnectInterval: time.Duration(rc.Reconnect.MaxDelay) * time.Second,
		FailureThreshold:     rc.Reconnect.FailureThreshold,
		BreakerTimeout:       time.Duration(rc.Reconnect.BreakerTimeout) * time.Second,
	}
}

// bridgeOptions assembles the MQTT bridge. Optional sinks are only set when
// present so the bridge never sees a typed nil.
func bridgeOptions(cfg *config.Config, client *mqtt.Client, receiver denon.Controller,
	repo *history.SQLiteRepository, influx *influxdb.Client, log *logging.Logger) denon.BridgeOptions {
	opts := denon.BridgeOptions{
		ReceiverID:     cfg.Receiver.ID,
		Address:        cfg.Receiver.Address,
		Version:        version,
		HealthInterval: cfg.Receiver.GetHealthInterval(),
		VolumeLimit:    cfg.Receiver.MaxVolume,
		MQTTClient:     &mqttBridgeAdapter{client: client},
		Receiver:       receiver,
		Logger:         log.Component("bridge"),
	}
	if repo != nil {
		opts.History = repo
	}
	if influx != nil {
		opts.Telemetry = influx
	}
	return opts
}

// updateHandlers lists the consumers of receiver reports. When the MQTT
// bridge is absent it also takes over persisting history and telemetry.
func updateHandlers(receiverID string, m *metrics.Metrics, bridge *denon.Bridge, hub *api.Hub,
	repo *history.SQLiteRepository, influx *influxdb.Client, log *logging.Logger) []func(denon.Update) {
	handlers := []func(denon.Update){m.ObserveUpdate}

	if hub != nil {
		handlers = append(handlers, hub.HandleUpdate)
	}

	if bridge != nil {
		return append(handlers, bridge.HandleUpdate)
	}

	if influx == nil && repo == nil {
		return handlers
	}
	return append(handlers, func(u denon.Update) {
		if !u.Changed {
			return
		}
		if influx != nil {
			influx.WriteReceiverState(receiverID, u.Key.Slug(), u.Value.Any())
		}
		if repo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
			defer cancel()
			if err := repo.Record(ctx, receiverID, u.Key.Slug(), u.Value.String(), history.SourceReceiver); err != nil {
				log.Warn("history write failed", "key", u.Key.Slug(), "error", err)
			}
		}
	})
}

// healthCheck verifies all infrastructure connections are healthy.
// Disabled components are passed as nil and skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
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

	// The receiver is not checked: the supervisor keeps dialling in the
	// background and health is reported per connection state.

	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The primary difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Receiver bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements denon.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements denon.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements denon.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
