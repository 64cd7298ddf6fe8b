// Command webserver is a small multi-threaded web server: every accepted
// connection is handed to a fixed-size worker pool, which serves hello.html or
// 404.html. With a connection limit configured it stops accepting after that
// many connections, drains the pool and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fluxorio/threadpool/pkg/config"
	"github.com/fluxorio/threadpool/pkg/core"
	"github.com/fluxorio/threadpool/pkg/core/concurrency"
	"github.com/fluxorio/threadpool/pkg/db"
	"github.com/fluxorio/threadpool/pkg/events"
	promexp "github.com/fluxorio/threadpool/pkg/observability/prometheus"
	"github.com/fluxorio/threadpool/pkg/observability/otel"
	"github.com/fluxorio/threadpool/pkg/static"
	"github.com/fluxorio/threadpool/pkg/tcp"
	"github.com/fluxorio/threadpool/pkg/web"
)

const defaultConfigPath = "configs/webserver.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to a YAML or JSON config file")
	envFile := flag.String("env-file", ".env", "dotenv file exported before env overrides are applied")
	issueToken := flag.String("issue-token", "", "print an admin bearer token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *issueToken != "" {
		if err := printToken(os.Stdout, cfg, *issueToken, *tokenTTL); err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

// loadConfig reads path. A missing default file means built-in defaults.
func loadConfig(path string) (config.App, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.LoadApp("")
		}
	}
	return config.LoadApp(path)
}

// printToken writes a bearer token for the admin server to w.
func printToken(w io.Writer, cfg config.App, subject string, ttl time.Duration) error {
	if cfg.Admin.JWTSecret == "" {
		return errors.New("admin.jwt_secret is not set")
	}
	token, err := web.NewToken([]byte(cfg.Admin.JWTSecret), subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

type app struct {
	cfg    config.App
	out    io.Writer
	logger core.Logger

	pool    *concurrency.Pool
	server  *tcp.Server
	admin   *web.AdminServer
	adminLn net.Listener
	stream  *events.Stream

	// closers run in reverse order after the pool has drained.
	closers []func() error
}

func newApp(ctx context.Context, cfg config.App, out io.Writer) (a *app, err error) {
	level, err := core.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := core.NewLogger(out, os.Stderr, level)

	a = &app{cfg: cfg, out: out, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observers := []concurrency.Observer{promexp.NewPoolMetrics(registry, cfg.Pool.Name)}

	if cfg.Tracing.Enabled {
		err = otel.Initialize(ctx, otel.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return otel.Shutdown(context.Background()) })
		observers = append(observers, otel.NewJobTracer(nil))
	}

	if cfg.Events.Enabled {
		pub, perr := events.NewPublisher(events.Config{
			URL:     cfg.Events.URL,
			Subject: cfg.Events.Subject,
			Name:    cfg.Pool.Name,
			Pool:    cfg.Pool.Name,
			Logger:  logger,
		})
		if perr != nil {
			return nil, perr
		}
		a.closers = append(a.closers, pub.Close)
		observers = append(observers, pub)
	}

	var eventStream http.Handler
	if cfg.Admin.Enabled && cfg.Admin.EventStream {
		a.stream = events.NewStream(events.StreamConfig{Pool: cfg.Pool.Name, Logger: logger})
		a.closers = append(a.closers, a.stream.Close)
		observers = append(observers, a.stream)
		eventStream = a.stream
	}

	var runs web.RunLister
	if cfg.Audit.Enabled {
		store, serr := db.OpenAudit(ctx, db.Config{Driver: cfg.Audit.Driver, DSN: cfg.Audit.DSN})
		if serr != nil {
			return nil, serr
		}
		a.closers = append(a.closers, store.Close)

		rec, rerr := db.NewRecorder(store, logger)
		if rerr != nil {
			return nil, rerr
		}
		a.closers = append(a.closers, rec.Close)
		observers = append(observers, rec)
		runs = store
	}

	a.pool, err = concurrency.NewWithConfig(concurrency.Config{
		Name:     cfg.Pool.Name,
		Workers:  cfg.Pool.Workers,
		Logger:   logger,
		Observer: concurrency.Observers(observers...),
	})
	if err != nil {
		return nil, err
	}

	handler := static.NewHandler(static.Config{
		Root:       cfg.Server.DocRoot,
		SleepDelay: cfg.Server.SleepDelay,
		Logger:     logger,
	})
	a.server = tcp.NewServer(a.pool, handler.ServeConn, tcp.Config{
		Addr:           cfg.Server.Addr,
		MaxConnections: cfg.Server.MaxConnections,
		MaxActive:      cfg.Server.MaxActive,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		Logger:         logger,
	})
	if err = a.server.Listen(); err != nil {
		return nil, err
	}

	if cfg.Admin.Enabled {
		a.admin = web.NewAdminServer(web.AdminConfig{
			Pool:     a.pool,
			Gatherer: registry,
			Runs:     runs,
			Extra: map[string]func() interface{}{
				"tcp": func() interface{} { return a.server.Metrics() },
			},
			Events:     eventStream,
			APIKeyHash: cfg.Admin.APIKeyHash,
			JWTSecret:  []byte(cfg.Admin.JWTSecret),
			RateLimit:  cfg.Admin.RateLimit,
			Logger:     logger,
		})
		if a.adminLn, err = net.Listen("tcp", cfg.Admin.Addr); err != nil {
			return nil, fmt.Errorf("admin: listen %s: %w", cfg.Admin.Addr, err)
		}
	}

	return a, nil
}

// Run serves until ctx is cancelled or the connection limit is reached, then
// stops accepting, drains the pool and releases everything else.
func (a *app) Run(ctx context.Context) error {
	if a.admin != nil {
		go func() {
			if err := a.admin.Serve(a.adminLn); err != nil {
				a.logger.Errorf("admin server: %v", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	fmt.Fprintln(a.out, "Shutting down.")
	_ = a.server.Stop()
	<-a.server.Done()

	if err := a.close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// close drains the pool, then the admin server and the observers' resources.
func (a *app) close() error {
	var errs []error

	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.admin != nil {
		if err := a.admin.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.adminLn != nil {
		// Serve may not have picked the listener up yet.
		_ = a.adminLn.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}
