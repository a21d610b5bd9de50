// shellbridge - command-line devices as smart-home accessories
//
// shellbridge keeps the state of devices that are driven by small shell tools
// (media services, cameras, HDMI-CEC endpoints, board sensors) in sync with
// an accessory tree published over MQTT, and serves an admin API for adding
// and inspecting devices at runtime.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	_ "github.com/nerrad567/shellbridge/migrations"

	"github.com/nerrad567/shellbridge/internal/accessory"
	"github.com/nerrad567/shellbridge/internal/api"
	"github.com/nerrad567/shellbridge/internal/audit"
	"github.com/nerrad567/shellbridge/internal/auth"
	"github.com/nerrad567/shellbridge/internal/bridges/mqttexpose"
	"github.com/nerrad567/shellbridge/internal/infrastructure/config"
	"github.com/nerrad567/shellbridge/internal/infrastructure/database"
	"github.com/nerrad567/shellbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/shellbridge/internal/infrastructure/logging"
	"github.com/nerrad567/shellbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/shellbridge/internal/process"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// historyPruneInterval is how often expired state history is deleted.
const historyPruneInterval = time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-secret" {
		if err := hashSecret(os.Stdin, os.Stdout); err != nil {
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

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting shellbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	runner := process.NewRunner(process.Config{
		Shell:   cfg.Platform.Shell,
		Timeout: cfg.Platform.CommandTimeout,
	})
	runner.SetLogger(log.Component("process"))
	defer func() {
		if closeErr := runner.Close(); closeErr != nil {
			log.Error("error closing command runner", "error", closeErr)
		}
	}()

	db, err := database.Open(database.Config{
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
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "shellbridge",
			Subsystem: "commands",
			Name:      "in_flight",
			Help:      "Device commands currently running.",
		}, func() float64 { return float64(runner.Stats().InFlight) }),
	)
	metrics := accessory.NewMetrics(registry)

	checks := map[string]api.HealthChecker{"database": db}

	// MQTT carries the accessory tree. Without a broker the admin API is
	// the only control surface.
	var mqttClient *mqtt.Client
	var brokerClient mqttexpose.MQTTClient = detachedClient{}
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
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
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		brokerClient = mqttClient
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
			"prefix", cfg.MQTT.TopicPrefix,
		)
	} else {
		log.Warn("MQTT disabled, accessories are reachable through the admin API only")
	}

	exposure, err := mqttexpose.New(mqttexpose.Options{
		Client: brokerClient,
		Topics: mqtt.NewTopics(cfg.MQTT.TopicPrefix),
		QoS:    byte(cfg.MQTT.QoS), // #nosec G115 -- validated to 0..2
		Logger: log.Component("exposure"),
		Bridge: mqttexpose.BridgeMessage{
			Name:         cfg.Bridge.Name,
			Manufacturer: cfg.Bridge.Manufacturer,
			Model:        cfg.Bridge.Model,
			Serial:       cfg.Bridge.Serial,
			Version:      version,
		},
	})
	if err != nil {
		return fmt.Errorf("creating exposure: %w", err)
	}

	history := accessory.NewSQLiteHistory(db.DB)
	recorder := accessory.NewHistoryRecorder(history, log.Component("history"))
	// The recorder outlives ctx so it can drain the changes made while the
	// platform shuts down.
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		recorder.Run(recorderCtx)
	}()
	registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "shellbridge",
		Subsystem: "history",
		Name:      "dropped_total",
		Help:      "State changes not recorded because the history queue was full.",
	}, func() float64 { return float64(recorder.Dropped()) }))

	if days := cfg.Database.HistoryRetentionDays; days > 0 {
		go history.PruneEvery(ctx, historyPruneInterval, time.Duration(days)*24*time.Hour, log.Component("history"))
	}

	observers := []accessory.StateObserver{recorder}

	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
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
		observers = append(observers, influxObserver(influxClient))
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// The server's hub must be a platform observer, so the server is built
	// first and reaches the platform through a late-bound handle.
	handle := &platformHandle{}

	var server *api.Server
	if cfg.API.Enabled {
		server, err = api.New(api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Security:    cfg.Security,
			Logger:      log.Component("api"),
			Accessories: handle,
			History:     history,
			Audit:       audit.NewSQLiteRepository(db.DB),
			Gatherer:    registry,
			Checks:      checks,
			Version:     version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		observers = append(observers, server.Hub())
	}

	platform, err := accessory.NewPlatform(accessory.Options{
		Runner:        runner,
		Exposure:      exposure,
		Cache:         accessory.NewSQLiteCache(db.DB),
		Store:         accessory.FileStore{Path: cfg.Platform.DevicesFile},
		Observers:     observers,
		Metrics:       metrics,
		Logger:        log.Component("platform"),
		SetTimeout:    cfg.Platform.SetTimeout,
		WorkflowDelay: cfg.Platform.WorkflowDelay,
	})
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	handle.Platform = platform

	platformDone := make(chan error, 1)
	go func() {
		platformDone <- platform.Run(ctx)
	}()

	devices, origins, err := loadDevices(ctx, cfg, runner, log)
	if err != nil {
		return err
	}
	if launchErr := platform.Launch(ctx, devices, origins); launchErr != nil {
		return fmt.Errorf("launching platform: %w", launchErr)
	}

	if startErr := exposure.Start(ctx, platform); startErr != nil {
		return fmt.Errorf("starting exposure: %w", startErr)
	}
	defer exposure.Stop()
	if mqttClient != nil {
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected, republishing accessories")
			exposure.Republish()
		})
	}

	if server != nil {
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal", "accessories", exposure.Len())

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// The loop answers pending set callers before it exits.
	if runErr := <-platformDone; runErr != nil {
		log.Error("platform stopped with error", "error", runErr)
	}
	stopRecorder()
	<-recorderDone

	log.Info("shellbridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SHELLBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SHELLBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadDevices reads the devices file and adds the enabled presets. Preset
// descriptors are marked so they are never written back to the file.
func loadDevices(ctx context.Context, cfg *config.Config, runner accessory.CommandRunner, log *logging.Logger) ([]accessory.Descriptor, map[string]accessory.Origin, error) {
	devices, err := accessory.LoadDescriptors(cfg.Platform.DevicesFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading devices: %w", err)
	}
	log.Info("devices loaded", "path", cfg.Platform.DevicesFile, "devices", len(devices))

	presets := accessory.BuildPresets(ctx, runner, presetOptions(cfg.Platform.Presets), devices, log.Component("presets"))
	origins := make(map[string]accessory.Origin, len(presets))
	for i := range presets {
		presets[i].Normalize()
		origins[presets[i].Name] = accessory.OriginPreset
	}
	if len(presets) > 0 {
		log.Info("presets generated", "devices", len(presets))
	}

	return append(devices, presets...), origins, nil
}

func presetOptions(p config.PresetsConfig) accessory.PresetOptions {
	return accessory.PresetOptions{
		SetupTool:     p.SetupTool,
		CameraTool:    p.CameraTool,
		Manufacturer:  p.Manufacturer,
		Interval:      p.Interval,
		MediaService:  p.MediaService,
		MediaWorkflow: p.MediaFlow,
		Camera:        p.Camera,
		CameraFlow:    p.CameraFlow,
		CEC:           p.CEC,
		Sensor:        p.Sensor,
	}
}

// influxObserver writes every state change as an accessory_state point.
func influxObserver(client *influxdb.Client) accessory.StateObserver {
	return accessory.StateObserverFunc(func(change accessory.StateChange) {
		client.WriteAccessoryState(change.Name, string(change.Type), string(change.Source), change.Current, change.Time)
	})
}

// healthCheck verifies every configured dependency once at startup.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// platformHandle lets the API server be built before the platform exists.
// It is filled in before the server starts listening.
type platformHandle struct {
	*accessory.Platform
}

// detachedClient stands in for the broker when MQTT is disabled. The
// exposure keeps its bookkeeping and every publish is discarded.
type detachedClient struct{}

func (detachedClient) Publish(string, []byte, byte, bool) error          { return nil }
func (detachedClient) Subscribe(string, byte, mqtt.MessageHandler) error { return nil }
func (detachedClient) Unsubscribe(string) error                          { return nil }
func (detachedClient) IsConnected() bool                                 { return false }

// hashSecret reads an admin secret from the first line of in and writes its
// Argon2id hash, suitable for security.admin_secret.
func hashSecret(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading secret: %w", err)
	}
	hash, err := auth.HashSecret(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return fmt.Errorf("hashing secret: %w", err)
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
