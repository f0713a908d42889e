// mfsd is the merklefs daemon: it loads one replica's configuration,
// wires the Merkle-CRDT substrate to the sync engine, and serves the
// peer HTTP API until an OS signal asks it to stop.
//
// Example invocation:
//
//	mfsd --config=/etc/merklefs/config.json
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/merklefs/merklefs/internal/config"
	"github.com/merklefs/merklefs/internal/fsadapter"
	"github.com/merklefs/merklefs/internal/inode"
	"github.com/merklefs/merklefs/internal/ktree"
	"github.com/merklefs/merklefs/internal/syncsvc"
)

var configPath = flag.String("config", "/etc/merklefs/config.json", "path to the replica's configuration file")

const (
	fsyncInterval = 10 * time.Second
	pushInterval  = 60 * time.Second
)

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := run(log); err != nil {
		log.Fatalw("mfsd: exiting", "err", err)
	}
}

func run(log *zap.SugaredLogger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log.Infow("mfsd: starting", "replica", cfg.Replica, "basepath", cfg.BasePath, "peers", cfg.Peers)

	// Wiring order mirrors the reference daemon: the namespace tree
	// loads first, then the inode store, then the adapter and sync
	// engine bind on top of both.
	tree, err := ktree.New(filepath.Join(cfg.BasePath, "ftree.json"), cfg.Replica, log)
	if err != nil {
		return err
	}
	if err := tree.Fload(); err != nil {
		return err
	}

	store := inode.New(filepath.Join(cfg.BasePath, "inodes"), cfg.Replica, log)

	core := fsadapter.New(tree, store, log)
	_ = core // bound to a real kernel mount by an adapter outside this repository's scope

	registry := prometheus.NewRegistry()
	metrics := syncsvc.NewMetrics(registry)
	tree.OnConflictRename(metrics.ConflictRenames.Inc)
	resolver := syncsvc.NewResolver(tree, store)
	server := syncsvc.NewServer(resolver, store, cfg.Replica, metrics, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: mux,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infow("mfsd: http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(fsyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := core.Fsync(); err != nil {
					log.Warnw("mfsd: periodic fsync failed", "err", err)
				}
			}
		}
	})

	for _, peer := range cfg.Peers {
		peer := peer
		pusher := syncsvc.NewPusher(peer, resolver, store, metrics, log)
		g.Go(func() error {
			err := pusher.Run(gctx, pushInterval)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}

	log.Infow("mfsd: shutting down, final fsync")
	return core.Fsync()
}
