package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/docopt/docopt-go"
	"github.com/orian/protoboard/logging"
	"github.com/orian/protoboard/models"
	"golang.org/x/sync/errgroup"
)

const Version = "1.0"

const usage = `Protoboard prototype store.

Usage:
    protoboard serve [--config=<path>]
    protoboard migrate [--config=<path>]
    protoboard token <user_id> [--team=<team_role>...] [--ttl=<ttl>] [--config=<path>]
    protoboard -h | --help
    protoboard --version

Options:
    -h --help             Show this screen.
    --version             Show version.
    --config=<path>       YAML configuration file. Environment variables override it.
    --team=<team_role>    Team membership as team_id:role, repeatable.
    --ttl=<ttl>           Token lifetime [default: 24h].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	configPath, _ := opts.String("--config")
	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	code := run(cfg, log, opts)
	log.Sync()
	os.Exit(code)
}

// run executes the selected command and returns the process exit code.
func run(cfg *Config, log *logging.Logger, opts docopt.Opts) int {
	var err error
	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(cfg, log)
	} else if migrate_, _ := opts.Bool("migrate"); migrate_ {
		err = migrate(cfg, log)
	} else if token_, _ := opts.Bool("token"); token_ {
		err = issueToken(cfg, opts)
	}
	if err != nil {
		log.Error("command failed", "error", err)
		return 1
	}
	return 0
}

func migrate(cfg *Config, log *logging.Logger) error {
	storage, err := NewSQLStorage(cfg.Store.Driver, cfg.Store.DSN, log)
	if err != nil {
		return err
	}
	log.Info("schema up to date", "driver", cfg.Store.Driver)
	return storage.Close()
}

func issueToken(cfg *Config, opts docopt.Opts) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	userID, _ := opts.String("<user_id>")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("--ttl: %w", err)
	}

	teams := make(map[string]models.Role)
	if raw, ok := opts["--team"].([]string); ok {
		for _, tr := range raw {
			team, role, found := strings.Cut(tr, ":")
			if !found || team == "" {
				return fmt.Errorf("--team %q: want team_id:role", tr)
			}
			teams[team] = models.Role(role)
		}
	}

	token, err := NewAuthenticator(cfg.Auth.JWTSecret).Issue(userID, teams, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func serve(cfg *Config, log *logging.Logger) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := NewSQLStorage(cfg.Store.Driver, cfg.Store.DSN, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer storage.Close()
	log.Info("storage initialized", "driver", cfg.Store.Driver)

	g, ctx := errgroup.WithContext(ctx)

	var activity ActivitySink
	switch cfg.Activity.Sink {
	case SinkNone:
		activity = nopActivity{}
	case SinkLog:
		activity = newLogActivity(log)
	case SinkClickHouse:
		sink, err := openClickHouseActivity(ctx, cfg, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return sink.Run(ctx) })
		activity = sink
	}

	server := NewServer(storage, activity, NewAuthenticator(cfg.Auth.JWTSecret), cfg.Limits.Limits(), log)
	server.requestTimeout = cfg.Server.RequestTimeout

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("starting server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openClickHouseActivity(ctx context.Context, cfg *Config, log *logging.Logger) (*ClickHouseActivity, error) {
	ch := cfg.ClickHouse
	log.Info("clickhouse connection",
		"host", ch.Host,
		"database", ch.Database,
		"user", ch.User,
		"password", maskPassword(ch.Password),
		"secure", ch.Secure)

	options := &clickhouse.Options{
		Addr: []string{ch.Host},
		Auth: clickhouse.Auth{
			Database: ch.Database,
			Username: ch.User,
			Password: ch.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "protoboard", Version: Version},
			},
		},
		Settings: clickhouse.Settings{
			"send_logs_level": "none",
		},
	}
	if ch.Secure {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		log.Warn("clickhouse ping failed", "error", err)
	}

	sink := NewClickHouseActivity(conn, cfg.Activity, log)
	if err := sink.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create activity table: %w", err)
	}
	return sink, nil
}
