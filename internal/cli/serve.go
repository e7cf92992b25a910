package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/harbor/internal/auth"
	"github.com/mistakeknot/harbor/internal/config"
	"github.com/mistakeknot/harbor/internal/events"
	httpapi "github.com/mistakeknot/harbor/internal/http"
	"github.com/mistakeknot/harbor/internal/relay"
	"github.com/mistakeknot/harbor/internal/rpc"
	"github.com/mistakeknot/harbor/internal/server"
	"github.com/mistakeknot/harbor/internal/storage/sqlite"
	"github.com/mistakeknot/harbor/internal/ws"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

// app holds the assembled relay so serve and shutdown share one view of it.
type app struct {
	handler   http.Handler
	store     *sqlite.ResilientStore
	sweeper   *sqlite.Sweeper
	bus       *events.RedisBus
	forwarder *rpc.RedisForwarder
	rdb       *redis.Client
}

func buildApp(cfg config.Config) (*app, error) {
	base, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	store := sqlite.NewResilient(base)

	ring, err := auth.LoadKeyring(cfg.KeysFile)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}

	router := events.NewRouter()
	svc := relay.New(store, router)

	var (
		leases    rpc.LeaseStore
		bus       *events.RedisBus
		forwarder *rpc.RedisForwarder
		rdb       *redis.Client
	)
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		leases = rpc.NewRedisLeaseStore(rdb)
		bus = events.NewRedisBus(rdb, router)
		router.SetBus(bus)
		forwarder = rpc.NewRedisForwarder(rdb, router, cfg.InstanceID)
	} else {
		leases = rpc.NewMemoryLeaseStore()
	}

	directory := rpc.NewDirectory(leases, router, store, cfg.InstanceID, cfg.RPCLeaseTTL)
	if forwarder != nil {
		directory.SetForwarder(forwarder)
	}
	gateway := ws.NewGateway(svc, router, directory, ring)

	handler := httpapi.NewRouter(httpapi.NewService(svc), gateway.Handler(), auth.Middleware(ring))
	sweeper := sqlite.NewSweeper(base, cfg.SweepInterval)

	return &app{handler: handler, store: store, sweeper: sweeper, bus: bus, forwarder: forwarder, rdb: rdb}, nil
}

func runServe(cfg config.Config) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	// Serve-lifetime context for the background loops; shutdown cancels it.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if a.bus != nil {
		a.bus.Start(ctx)
	}
	if a.forwarder != nil {
		a.forwarder.Start(ctx)
	}
	a.sweeper.Start(ctx)

	srv, err := server.New(server.Config{Addr: cfg.Addr, SocketPath: cfg.SocketPath, Handler: a.handler})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Printf("harbor: listening on %s (instance %s)", cfg.Addr, cfg.InstanceID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case sig := <-sigCh:
		log.Printf("harbor: %s, shutting down", sig)
	}

	a.sweeper.Stop()
	if a.forwarder != nil {
		a.forwarder.Stop()
	}
	if a.bus != nil {
		a.bus.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	return nil
}
