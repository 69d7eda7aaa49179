// fsxengine bootstrap: wires the metadata store, extent engine and tiered
// blob router over a single SQLite database and three local-disk blob
// backends (one per tier), then idles until interrupted. This binary is a
// thin embedding-host stand-in — the shell-style command surface, the
// path-parsing helpers and any HTTP/RPC surface are external collaborators
// (see spec.md §1, §6) and are not built here. It exists so the engine can
// be started and its Prometheus metrics scraped during manual testing,
// the same role the teacher's cmd/treestore/main.go plays for tree_db,
// minus the gRPC service registration that package does not need here.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/nainya/fsxengine/internal/logger"
	"github.com/nainya/fsxengine/internal/metrics"
	"github.com/nainya/fsxengine/pkg/blobbackend"
	"github.com/nainya/fsxengine/pkg/blobrouter"
	"github.com/nainya/fsxengine/pkg/extentengine"
	"github.com/nainya/fsxengine/pkg/metadatastore"
)

var (
	dbPath     = flag.String("db", "fsxengine.db", "SQLite database file path")
	blobDir    = flag.String("blob-dir", "./fsxengine-blobs", "local-disk root for the hot blob tier")
	warmDir    = flag.String("warm-dir", "./fsxengine-blobs-warm", "local-disk root for the warm blob tier")
	coldDir    = flag.String("cold-dir", "./fsxengine-blobs-cold", "local-disk root for the cold blob tier")
	metricsAddr = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	logLevel   = flag.String("log-level", "info", "debug, info, warn or error")
)

func main() {
	flag.Parse()

	log := logger.NewLogger(logger.Config{Level: *logLevel, Pretty: true})
	log.LogEngineStart(*dbPath)

	m := metrics.NewMetrics()

	db, err := sql.Open("sqlite", *dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		log.Fatal("open database").Err(err).Send()
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	ctx := context.Background()

	meta := metadatastore.New(db, log, m)
	if err := meta.Init(ctx); err != nil {
		log.Fatal("init metadata store").Err(err).Send()
	}

	extents := extentengine.New(db, mustFSBackend(log, *blobDir), extentengine.DefaultConfig(), log, m)
	if err := extents.Init(ctx); err != nil {
		log.Fatal("init extent engine").Err(err).Send()
	}

	router := blobrouter.New(
		mustFSBackend(log, *blobDir),
		mustFSBackend(log, *warmDir),
		mustFSBackend(log, *coldDir),
		meta,
		blobrouter.DefaultPolicy(),
		log,
		m,
	)
	migrationTicker := time.NewTicker(10 * time.Minute)
	defer migrationTicker.Stop()
	stopMigration := make(chan struct{})
	go func() {
		for {
			select {
			case <-migrationTicker.C:
				if _, err := router.RunMigration(ctx, false); err != nil {
					log.Error("tier migration pass").Err(err).Send()
				}
			case <-stopMigration:
				return
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server").Err(err).Send()
		}
	}()

	log.LogEngineReady()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.LogEngineShutdown()
	close(stopMigration)
	if err := extents.Flush(ctx); err != nil {
		log.Error("final flush").Err(err).Send()
	}
	_ = srv.Close()
}

func mustFSBackend(log *logger.Logger, dir string) blobbackend.Backend {
	b, err := blobbackend.NewFSBackend(dir)
	if err != nil {
		log.Fatal("open blob backend").Str("dir", dir).Err(err).Send()
	}
	return b
}
