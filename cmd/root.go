package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/joescharf/advisor/internal/dispatch"
	"github.com/joescharf/advisor/internal/logging"
	"github.com/joescharf/advisor/internal/output"
	"github.com/joescharf/advisor/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "advisor",
	Short: "Livestock advisor - conversational guidance with clarifying questions",
	Long: `advisor runs a conversational livestock advisor.

Each message goes to a reasoning model that either answers or asks one
clarifying question. Conversations are stored per session id so a reply
is understood as the answer to the question that was asked.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/advisor/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ADVISOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaultConfigDir, _ := configDirFunc()
	setDefaults(defaultConfigDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origin", "*")
	viper.SetDefault("server.pid_file", filepath.Join(stateDir, "advisor-serve.pid"))

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("store.driver", "sqlite")
	viper.SetDefault("store.sqlite.path", filepath.Join(stateDir, "advisor.db"))
	viper.SetDefault("store.redis.addr", "localhost:6379")
	viper.SetDefault("store.redis.password", "")
	viper.SetDefault("store.redis.db", 0)
	viper.SetDefault("store.redis.prefix", "advisor:")
	viper.SetDefault("store.mongo.uri", "mongodb://localhost:27017")
	viper.SetDefault("store.mongo.database", "advisor")
	viper.SetDefault("store.mongo.collection", "advisor_sessions")

	viper.SetDefault("advisor.provider", "anthropic")
	viper.SetDefault("advisor.model", "")
	viper.SetDefault("advisor.history_window", 10)
	viper.SetDefault("advisor.rate_limit", 0.0)
	viper.SetDefault("advisor.rate_burst", 1)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("openai.api_key", "")
	viper.SetDefault("openai.base_url", "")

	viper.SetDefault("dispatch.max_attempts", dispatch.DefaultMaxAttempts)
	viper.SetDefault("dispatch.advisor_timeout", dispatch.DefaultAdvisorTimeout)
	viper.SetDefault("dispatch.max_input_length", dispatch.DefaultMaxInputLength)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Initialize store lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// newLogger builds the process logger from log.* config.
func newLogger() (*slog.Logger, error) {
	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	return logging.New(os.Stderr, level, viper.GetString("log.format"))
}

// getStore returns the shared store, initializing it on first call.
func getStore(ctx context.Context) (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}
	s, err := openStore(ctx, viper.GetString("store.driver"))
	if err != nil {
		return nil, err
	}
	dataStore = s
	return dataStore, nil
}

// openStore connects the configured session store backend.
func openStore(ctx context.Context, driver string) (store.Store, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		dbPath := viper.GetString("store.sqlite.path")
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return s, nil

	case "memory":
		return store.NewMemoryStore(), nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     viper.GetString("store.redis.addr"),
			Password: viper.GetString("store.redis.password"),
			DB:       viper.GetInt("store.redis.db"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", viper.GetString("store.redis.addr"), err)
		}
		return store.NewRedisStore(rdb, viper.GetString("store.redis.prefix")), nil

	case "mongo", "mongodb":
		client, err := mongo.Connect(options.Client().ApplyURI(viper.GetString("store.mongo.uri")))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		s, err := store.NewMongoStore(ctx, client,
			viper.GetString("store.mongo.database"),
			viper.GetString("store.mongo.collection"))
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q (want sqlite, memory, redis, or mongo)", driver)
	}
}

// newDispatcher wires the configured store and advisor into a dispatcher.
// reg may be nil when metrics are not exported.
func newDispatcher(ctx context.Context, logger *slog.Logger, reg prometheus.Registerer) (*dispatch.Dispatcher, store.Store, error) {
	s, err := getStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	adv, err := newAdvisor()
	if err != nil {
		return nil, nil, err
	}

	opts := []dispatch.Option{dispatch.WithLogger(logger)}
	if reg != nil {
		opts = append(opts, dispatch.WithMetrics(dispatch.NewMetrics(reg)))
	}
	d := dispatch.New(s, adv, dispatch.Config{
		MaxAttempts:    viper.GetInt("dispatch.max_attempts"),
		AdvisorTimeout: viper.GetDuration("dispatch.advisor_timeout"),
		MaxInputLength: viper.GetInt("dispatch.max_input_length"),
	}, opts...)
	return d, s, nil
}

// closeStore releases the shared store, if one was opened.
func closeStore() {
	if dataStore != nil {
		_ = dataStore.Close()
		dataStore = nil
	}
}
