// Opclink - OPC DA gateway
//
// Polls OPC DA servers over DCOM and republishes tag values to MQTT,
// Valkey and Kafka, with a REST API for browsing and ad-hoc I/O.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/bcrypt"

	"opclink/config"
	"opclink/kafka"
	"opclink/logging"
	"opclink/mqtt"
	"opclink/opcda"
	"opclink/poller"
	"opclink/telemetry"
	"opclink/valkey"
	"opclink/web"
	"opclink/www"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	adminUser   = flag.String("admin-user", "", "Create/update admin user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for admin user (saves to config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	useSim      = flag.Bool("sim", false, "Use the built-in simulated server instead of DCOM")
	logFile     = flag.String("log", "", "Path to JSON log file (optional)")
	logLevel    = flag.String("log-level", "", "Log level (overrides config)")
	logDebug    = flag.String("log-debug", "", "Enable subsystem debug logging to debug.log")
)

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
// This allows users to use `--log-debug` alone to enable all subsystem logging.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		// Check for --log-debug or -log-debug without =
		if arg == "--log-debug" || arg == "-log-debug" {
			// Check if next arg exists and is not another flag
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				// No value provided, inject "all"
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		// If it has = sign, value is already provided
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// debugAdapter forwards per-package debug hooks to the global debug log.
type debugAdapter struct{}

func (debugAdapter) LogMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

func (debugAdapter) LogValkey(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

func (debugAdapter) LogKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// backend wires the shared gateway state for the REST API.
type backend struct {
	cfg        *config.Config
	configPath string
	provider   opcda.Provider
	poller     *poller.Poller
}

func (b *backend) GetConfig() *config.Config   { return b.cfg }
func (b *backend) GetConfigPath() string       { return b.configPath }
func (b *backend) GetProvider() opcda.Provider { return b.provider }
func (b *backend) GetPoller() *poller.Poller   { return b.poller }

var _ www.Backend = (*backend)(nil)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("opclink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --namespace flag: overwrite config and save
	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// Override web config from flags (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.API.Enabled = false
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Create/update admin user if credentials provided (persisted)
	if *adminUser != "" && *adminPass != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*adminPass), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
			os.Exit(1)
		}

		if existing := cfg.FindWebUser(*adminUser); existing != nil {
			existing.PasswordHash = string(hash)
			existing.Role = config.RoleAdmin
			existing.MustChangePassword = false
		} else {
			cfg.AddWebUser(config.WebUser{
				Username:     *adminUser,
				PasswordHash: string(hash),
				Role:         config.RoleAdmin,
			})
		}

		// Generate session secret if not set
		if cfg.Web.UI.SessionSecret == "" {
			secret := make([]byte, 32)
			rand.Read(secret)
			cfg.Web.UI.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		}

		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Admin user '%s' configured\n", *adminUser)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, logCloser, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Path:    firstNonEmpty(*logFile, cfg.Logging.Path),
		Console: true,
	})
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	// Subsystem debug log
	var debugLogger *logging.DebugLogger
	debugFilter := *logDebug
	if debugFilter == "" && cfg.Logging.Debug {
		debugFilter = cfg.Logging.DebugFilter
		if debugFilter == "" {
			debugFilter = "all"
		}
	}
	if debugFilter != "" {
		debugLogger, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			log.Warn().Err(err).Msg("failed to open debug log")
		} else {
			if debugFilter == "all" || debugFilter == "true" || debugFilter == "1" {
				debugFilter = ""
			}
			debugLogger.SetFilter(debugFilter)
			logging.SetGlobalDebugLogger(debugLogger)
			defer debugLogger.Close()
		}
	}
	mqtt.SetDebugLogger(debugAdapter{})
	valkey.SetDebugLogger(debugAdapter{})
	kafka.SetDebugLogger(debugAdapter{})

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics, err := telemetry.NewPrometheus(registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// Connector: DCOM on Windows, simulated with -sim
	conn, err := newConnector(*useSim, log)
	if err != nil {
		return err
	}

	clientLog := log.With().Str("component", "opcda").Logger()
	provider := opcda.NewClient(conn, opcda.ClientOptions{
		Limits: opcda.Limits{
			MaxDepth:      cfg.Browse.MaxDepth,
			MaxTags:       cfg.Browse.MaxTags,
			BrowseTimeout: cfg.Browse.Timeout,
			EnumBatchSize: cfg.Browse.EnumBatchSize,
		},
		Logger:  &clientLog,
		Metrics: metrics,
	})
	defer provider.Close()

	// Poller
	pol := poller.New(provider, cfg.PollRate, log.With().Str("component", "poller").Logger())
	pol.LoadFromConfig(cfg)

	// Publishers
	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.Namespace, cfg.MQTT)

	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Namespace, cfg.Valkey)

	kafkaMgr := kafka.NewManager(cfg.Namespace)
	for i := range cfg.Kafka {
		kc := kafka.FromAppConfig(cfg.Kafka[i])
		kafkaMgr.AddCluster(&kc)
	}

	// Write-back: broker write requests go through the provider, addressed
	// by the configured ProgID.
	writeHandler := func(serverName, tagID string, v opcda.Value) error {
		srv := pol.GetServer(serverName)
		if srv == nil {
			return fmt.Errorf("server not found: %s", serverName)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		result, err := pol.WriteTag(ctx, serverName, tagID, v)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%s", result.Error)
		}
		return nil
	}
	writeValidator := pol.IsPolledTag

	mqttMgr.SetWriteHandler(writeHandler)
	mqttMgr.SetWriteValidator(writeValidator)
	valkeyMgr.SetWriteHandler(valkey.WriteHandler(writeHandler))
	valkeyMgr.SetWriteValidator(valkey.WriteValidator(writeValidator))

	mqttMgr.SetServerNames(pol.ServerNames())

	// Fan out value changes to every broker
	pol.SetOnValueChange(func(changes []poller.ValueChange) {
		for _, c := range changes {
			writable := pol.IsPolledTag(c.Server, c.Value.TagID)
			mqttMgr.Publish(c.Server, c.Value, false)
			valkeyMgr.Publish(c.Server, c.Value, writable)
			kafkaMgr.Publish(c.Server, c.Value, writable, false)
		}
	})

	// Health transitions
	pol.SetOnHealthChange(func(serverName, progID string, online bool, status, errMsg string) {
		mqttMgr.PublishHealth(serverName, progID, online, status, errMsg)
		valkeyMgr.PublishHealth(serverName, progID, online, status, errMsg)
		kafkaMgr.PublishHealth(serverName, online, status, errMsg)
		if online {
			log.Info().Str("server", serverName).Msg("server online")
		} else {
			log.Warn().Str("server", serverName).Str("error", errMsg).Msg("server offline")
		}
	})

	// Initial sync when a Valkey broker (re)connects
	valkeyMgr.SetOnConnectCallback(func() {
		for _, c := range pol.GetAllCurrentValues() {
			valkeyMgr.Publish(c.Server, c.Value, pol.IsPolledTag(c.Server, c.Value.TagID))
		}
	})

	pol.Start()

	// HTTP server
	var webServer *web.Server
	if cfg.Web.Enabled {
		b := &backend{cfg: cfg, configPath: *configPath, provider: provider, poller: pol}
		webServer = web.NewServer(&cfg.Web, b, registry, log.With().Str("component", "web").Logger())
		if err := webServer.Start(); err != nil {
			log.Warn().Err(err).Int("port", cfg.Web.Port).Msg("failed to start web server, continuing without it")
			webServer = nil
		} else {
			log.Info().Str("address", webServer.Address()).Msg("web server started")
		}
	}

	// Auto-start enabled publishers; force an initial publish so brokers
	// see current state without waiting for the next change.
	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			for _, c := range pol.GetAllCurrentValues() {
				mqttMgr.Publish(c.Server, c.Value, true)
			}
		}
	}()
	go func() {
		if started := valkeyMgr.StartAll(); started > 0 {
			for _, c := range pol.GetAllCurrentValues() {
				valkeyMgr.Publish(c.Server, c.Value, pol.IsPolledTag(c.Server, c.Value.TagID))
			}
		}
	}()
	go kafkaMgr.ConnectEnabled()

	log.Info().Str("version", Version).Str("namespace", cfg.Namespace).Int("servers", len(cfg.Servers)).Msg("opclink running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownDone := make(chan struct{})
	go func() {
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		if webServer != nil {
			webServer.Stop()
		}
		pol.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("shutdown timed out")
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
