package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/handler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
)

const (
	serverName    = "object-detection-service"
	serverVersion = "0.3.0"
)

// newWorkerFactory returns a factory that builds one handler per worker,
// each with its own model.
func newWorkerFactory(loader handler.Loader, hctx *handler.Context) WorkerFactory {
	return func() (*handler.Handler, error) {
		h := handler.New(loader)
		if err := h.Initialize(hctx); err != nil {
			return nil, err
		}
		return h, nil
	}
}

func systemProperties(cfg *Config) map[string]string {
	return map[string]string{
		handler.PropModelDir:      cfg.ModelDir,
		handler.PropGPUID:         "-1",
		handler.PropBatchSize:     "1",
		handler.PropServerName:    serverName,
		handler.PropServerVersion: serverVersion,
	}
}

func main() {
	cfg := LoadConfig()
	setupLogging(cfg)

	modelDir, err := filepath.Abs(cfg.ModelDir)
	if err != nil {
		log.Fatalf("Failed to get absolute path for model dir: %v", err)
	}
	cfg.ModelDir = modelDir

	libPath := cfg.ORTLibPath
	if libPath == "" {
		libPath = detections.DefaultSharedLibraryPath("lib")
	}
	if err := detections.InitRuntime(libPath); err != nil {
		log.Fatalf("Failed to initialize ONNX environment: %v", err)
	}
	defer detections.DestroyRuntime()

	manifest, err := handler.LoadManifest(cfg.ModelDir)
	if err != nil {
		log.Fatalf("Failed to load manifest: %v", err)
	}
	modelName := cfg.ModelName
	if modelName == "" {
		modelName = manifest.Model.ModelName
	}

	opts := detections.DefaultOptions()
	opts.ConfThreshold = float32(cfg.ConfThreshold)
	opts.IoUThreshold = float32(cfg.IoUThreshold)
	opts.MaxDet = cfg.MaxDet
	opts.IntraOpThreads = cfg.ORTThreads

	hctx := &handler.Context{
		SystemProperties: systemProperties(cfg),
		Manifest:         manifest,
	}
	pool, err := NewWorkerPool(cfg.Workers, newWorkerFactory(detections.NewLoader(opts), hctx))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer pool.Destroy()

	state := &AppState{
		ModelName:       modelName,
		Manifest:        manifest,
		Pool:            pool,
		MaxRequestBytes: cfg.MaxRequestBytes,
		Debug:           cfg.Debug,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := &http.Server{
		Handler:      NewRouter(state, reg),
		Addr:         cfg.HTTPAddr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":    srv.Addr,
			"model":   modelName,
			"weights": pool.Weights(),
			"workers": cfg.Workers,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP shutdown: %v", err)
	}
}
