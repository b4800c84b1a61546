// Command tenantd runs the tenant database platform daemon: it opens the
// registry store, starts the job worker pool and serves until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/audit"
	"github.com/tenantdb/tenantdb/bolt"
	"github.com/tenantdb/tenantdb/inmemprovider"
	"github.com/tenantdb/tenantdb/jobs"
	"github.com/tenantdb/tenantdb/logger"
	"github.com/tenantdb/tenantdb/server"
	"go.uber.org/zap"
)

// Duration is a time.Duration that decodes from a toml string like "30s".
type Duration time.Duration

// UnmarshalText parses the standard duration syntax.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the daemon configuration, read from a toml file.
type Config struct {
	BoltPath string        `toml:"bolt-path"`
	Backend  string        `toml:"backend"`
	Workers  int           `toml:"workers"`
	LockWait Duration      `toml:"lock-wait"`
	Retries  int           `toml:"provision-retries"`
	Backoff  Duration      `toml:"provision-backoff"`
	Logging  logger.Config `toml:"logging"`
}

// NewConfig returns the default daemon configuration.
func NewConfig() Config {
	return Config{
		BoltPath: "tenantd.bolt",
		Backend:  inmemprovider.BackendName,
		Workers:  jobs.DefaultWorkers,
		LockWait: Duration(tenantdb.DefaultLockWait),
		Logging:  logger.NewConfig(),
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("tenantd", flag.ExitOnError)
	configPath := fs.String("config", "", "path to toml configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	config := NewConfig()
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &config); err != nil {
			return fmt.Errorf("parse config %s: %w", *configPath, err)
		}
	}

	log, err := config.Logging.NewLogger(os.Stdout)
	if err != nil {
		return err
	}
	defer log.Sync()

	store := bolt.NewKVStore(log.With(zap.String("service", "bolt")), config.BoltPath)
	if err := store.Open(context.Background()); err != nil {
		return err
	}
	defer store.Close()

	provider, err := newProvider(config.Backend)
	if err != nil {
		return err
	}

	serverOpts := []server.Option{
		server.WithWorkers(config.Workers),
		server.WithLockWait(time.Duration(config.LockWait)),
	}
	if config.Retries > 0 {
		serverOpts = append(serverOpts, server.WithRetryPolicy(config.Retries, time.Duration(config.Backoff)))
	}
	platform := server.NewPlatform(log, store, provider,
		audit.NewLogger(log.With(zap.String("service", "audit"))), serverOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	platform.Open(ctx)

	log.Info("Listening for work", zap.String("bolt_path", config.BoltPath), zap.String("backend", config.Backend))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down")
	cancel()
	return platform.Close()
}

// newProvider selects the database lifecycle backend by configuration
// name.
func newProvider(backend string) (tenantdb.DatabaseProvider, error) {
	switch backend {
	case inmemprovider.BackendName:
		return inmemprovider.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", backend)
	}
}
