package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qrdag/auth"
	"qrdag/config"
	"qrdag/conflict"
	"qrdag/db"
	"qrdag/handlers"
	"qrdag/logger"
	"qrdag/node"
	"qrdag/repository"
	"qrdag/routers"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "qrdag",
		Short: "QR-Avalanche DAG consensus node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to the YAML config file")
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the node and its HTTP API",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "dot",
			Short: "Print the finalized DAG of the snapshot in Graphviz format",
			RunE:  runDot,
		},
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	node *node.Node
	ldb  *db.LevelDB
	reg  *prometheus.Registry
}

func (r *app) close() {
	r.node.Close()
	if err := r.ldb.Close(); err != nil {
		logger.Logger.Warn("Failed to close leveldb", zap.Error(err))
	}
}

// open builds a node on top of the LevelDB snapshot and replays it
func open(ctx context.Context, cfg *config.Config) (*app, error) {
	ldb, err := db.NewLevelDB(cfg.LevelDB.Path)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	repo, err := repository.NewVertexRepository(ldb)
	if err != nil {
		ldb.Close()
		return nil, err
	}
	verifier, err := auth.NewCachedVerifier(auth.AcceptAll{}, cfg.Verifier.CacheSize)
	if err != nil {
		ldb.Close()
		return nil, err
	}
	detector, err := conflict.ForPolicy(cfg.Pipeline.ConflictPolicy)
	if err != nil {
		ldb.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n, err := node.New(node.Options{
		Consensus:     cfg.Consensus,
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		Detector:      detector,
		Verifier:      verifier,
		Repository:    repo,
		Registerer:    reg,
		SweepInterval: cfg.Sweeper.Interval,
	})
	if err != nil {
		ldb.Close()
		return nil, err
	}
	rt := &app{node: n, ldb: ldb, reg: reg}
	if err := n.Restore(ctx); err != nil {
		rt.close()
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	logger.Logger.Info("Restored snapshot", zap.Int("vertices", n.Len()))
	return rt, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Logger.Sync()

	logger.Logger.Info("Starting DAG server...")

	rt, err := open(cmd.Context(), cfg)
	if err != nil {
		logger.Logger.Error("Failed to start node", zap.Error(err))
		return err
	}
	defer rt.close()

	h := handlers.NewHandler(rt.node)
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h, rt.reg)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	return srv.Close()
}

func runDot(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rt, err := open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	return rt.node.WriteDOT(cmd.OutOrStdout())
}
