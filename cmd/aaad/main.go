package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/aaa/pkg/aaa"
	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/metrics"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/stats"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aaad",
	Short: "RADIUS AAA session and accounting engine",
	Long: `aaad - subscriber authentication, session tracking and
accounting for ISP edge deployments.

Tracks sessions reported by trusted NAS devices, keeps a durable
accounting log, and answers operational queries.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start AAA engine",
	RunE:  runAAA,
}

var (
	configFile  string
	logLevel    string
	metricsAddr string
	seedPath    string

	journalPath string

	redisAddr     string
	redisPassword string
	redisDB       int
	redisTTL      time.Duration

	nasIdentifier   string
	probeTimeout    time.Duration
	metricsInterval time.Duration
	historyLimit    int
	statsRetention  time.Duration
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/aaad/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address")
	runCmd.Flags().StringVar(&seedPath, "seed", "/etc/aaad/seed.yaml",
		"Seed file with NAS clients, groups and users (reloaded on SIGHUP)")

	runCmd.Flags().StringVar(&journalPath, "journal-path", "/var/lib/aaad/accounting.jsonl",
		"Accounting journal path (empty disables the journal)")

	runCmd.Flags().StringVar(&redisAddr, "redis-addr", "",
		"Redis address for the accounting mirror (empty disables mirroring)")
	runCmd.Flags().StringVar(&redisPassword, "redis-password", "",
		"Redis password")
	runCmd.Flags().IntVar(&redisDB, "redis-db", 0,
		"Redis database number")
	runCmd.Flags().DurationVar(&redisTTL, "redis-ttl", 24*time.Hour,
		"TTL for mirrored accounting records")

	runCmd.Flags().StringVar(&nasIdentifier, "nas-identifier", "aaad",
		"NAS-Identifier sent in outbound RADIUS packets")
	runCmd.Flags().DurationVar(&probeTimeout, "probe-timeout", 3*time.Second,
		"Timeout for Status-Server probes and disconnect requests")
	runCmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 15*time.Second,
		"Gauge collection interval")
	runCmd.Flags().IntVar(&historyLimit, "history-limit", 10000,
		"Retained terminal sessions displaced by session id reuse")
	runCmd.Flags().DurationVar(&statsRetention, "stats-retention", 7*24*time.Hour,
		"Request event history retention for trend queries")

	testAuthCmd.Flags().StringVar(&seedPath, "seed", "/etc/aaad/seed.yaml",
		"Seed file with users and groups")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(testAuthCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aaad version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

var testAuthCmd = &cobra.Command{
	Use:   "test-auth <username> <password>",
	Short: "Evaluate credentials against the seed file without touching state",
	Args:  cobra.ExactArgs(2),
	RunE:  runTestAuth,
}

func runAAA(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Load config file before consuming flag values.
	// CLI flags that were explicitly set take precedence.
	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("Starting aaad",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := nas.NewRegistry(logger)
	store := subscriber.NewStore(logger)

	var journal *accounting.Journal
	if journalPath != "" {
		journal, err = accounting.OpenJournal(journalPath, logger)
		if err != nil {
			return fmt.Errorf("open accounting journal: %w", err)
		}
		defer journal.Close()
	}

	var mirror accounting.Mirror
	if redisAddr != "" {
		mirror = accounting.NewRedisMirror(redisAddr, redisPassword, redisDB, redisTTL)
		logger.Info("Accounting mirror enabled", zap.String("redis", redisAddr))
	}

	acct := accounting.NewLog(journal, mirror, logger)
	tracker := session.NewTracker(session.TrackerConfig{HistoryLimit: historyLimit}, acct, logger)

	statsEngine := stats.NewEngine(stats.EngineConfig{Retention: statsRetention},
		tracker, acct, registry, store, logger)

	m := metrics.New(tracker, acct, registry, store, logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	tracker.OnEvent(m.HandleSessionEvent)

	proberConfig := nas.DefaultProberConfig()
	proberConfig.NASIdentifier = nasIdentifier
	proberConfig.Timeout = probeTimeout
	prober := nas.NewProber(proberConfig, logger)

	engine := aaa.NewEngine(aaa.Config{
		SeedPath:        seedPath,
		MetricsInterval: metricsInterval,
	}, registry, store, tracker, acct, statsEngine, m, prober, logger)

	if seedPath != "" {
		if err := engine.Reload(ctx); err != nil {
			return fmt.Errorf("initial seed load: %w", err)
		}
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	httpServer := startMetricsServer(m, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			logger.Info("Received SIGHUP, reloading configuration")
			if err := engine.Reload(ctx); err != nil {
				logger.Error("Reload failed", zap.Error(err))
			}
			continue
		}
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}
	engine.Stop()
	return nil
}

func startMetricsServer(m *metrics.Metrics, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", metricsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return server
}

func runTestAuth(cmd *cobra.Command, args []string) error {
	logger := zap.NewNop()

	seed, err := aaa.LoadSeed(seedPath)
	if err != nil {
		return err
	}
	users, groups, err := seed.Subscribers()
	if err != nil {
		return err
	}

	store := subscriber.NewStore(logger)
	if err := store.Replace(users, groups); err != nil {
		return err
	}

	username, password := args[0], args[1]
	user, ok := store.GetUser(username, "")
	if !ok {
		fmt.Printf("REJECT: unknown user %q\n", username)
		return nil
	}

	decision := store.Evaluate(user, subscriber.AuthContext{Password: password})
	if !decision.Accepted {
		fmt.Printf("REJECT: %s\n", decision.Reason)
		return nil
	}

	fmt.Println("ACCEPT")
	for _, attr := range decision.ReplyAttrs {
		fmt.Printf("  %s %s %s\n", attr.Name, attr.Op, attr.Value)
	}
	return nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
		}
	}
	return nil
}
