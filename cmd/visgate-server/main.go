package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/visgate-ai/visgate-deploy-api/internal/cache"
	"github.com/visgate-ai/visgate-deploy-api/internal/config"
	"github.com/visgate-ai/visgate-deploy-api/internal/consulreg"
	"github.com/visgate-ai/visgate-deploy-api/internal/engine"
	"github.com/visgate-ai/visgate-deploy-api/internal/gpu"
	"github.com/visgate-ai/visgate-deploy-api/internal/hfvalidate"
	"github.com/visgate-ai/visgate-deploy-api/internal/httpapi"
	"github.com/visgate-ai/visgate-deploy-api/internal/opshub"
	"github.com/visgate-ai/visgate-deploy-api/internal/provider"
	"github.com/visgate-ai/visgate-deploy-api/internal/ratelimit"
	"github.com/visgate-ai/visgate-deploy-api/internal/store"
)

func main() {
	cfg := config.Load()

	st, closeStore := mustStore(cfg)
	defer closeStore()

	providers := mustProviders(cfg)

	gpuRegistry, err := gpu.LoadWithOverlay(cfg.GPURegistryFile)
	if err != nil {
		log.Fatalf("gpu registry: %v", err)
	}

	sharedCache := cache.NewSharedPolicy(cfg.SharedCacheAllowed, cfg.SharedCacheRejectUnlisted)

	var opsHub *opshub.Hub
	if cfg.OpsHubEnabled {
		opsHub = opshub.New([]string{"http://localhost:5173", "http://localhost:3000"})
		go opsHub.Run()
		log.Println("ops hub enabled at /ws")
	}

	eng := engine.New(
		st,
		providers,
		gpuRegistry,
		hfvalidate.NewHTTPValidator(),
		sharedCache,
		opsHub,
		cfg.PhaseBudget,
		5*time.Second,
		engine.WorkerDefaults{
			WorkersMin:         cfg.WorkersMin,
			WorkersMax:         cfg.WorkersMax,
			IdleTimeoutSeconds: cfg.IdleTimeoutSeconds,
			ScalerType:         cfg.ScalerType,
			ScalerValue:        cfg.ScalerValue,
		},
	)
	eng.InternalWebhookBaseURL = cfg.InternalWebhookBaseURL
	eng.InternalWebhookSecret = cfg.InternalWebhookSecret

	recoverInFlight(st)

	h := &httpapi.Handler{
		Engine:                eng,
		Store:                 st,
		OpsHub:                opsHub,
		Limiter:               ratelimit.New(100.0/60.0, 20),
		InternalWebhookSecret: cfg.InternalWebhookSecret,
		DefaultLogLimit:       100,
	}

	srv := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: h.Router(),
	}

	go func() {
		log.Printf("visgate-deploy-api listening on %s:%s", cfg.BindAddr, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func mustStore(cfg *config.Config) (store.Store, func()) {
	if !cfg.UsesDurableStore() {
		log.Println("using in-memory store")
		return store.NewMemoryStore(), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres store: %v", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		log.Fatalf("postgres migration: %v", err)
	}
	log.Println("using postgres store")
	return pg, pg.Close
}

func mustProviders(cfg *config.Config) *provider.Registry {
	reg := provider.NewRegistry()

	runpod := provider.NewRunPodAdapter(cfg.RunPodAPIKey, cfg.RunPodTemplateID)
	reg.Register("runpod", runpod)

	if consulClient, err := consulreg.NewClient(cfg.ConsulAddr); err != nil {
		log.Printf("WARNING: consul unavailable (%v); nomad provider will lack service discovery", err)
	} else if nomadAdapter, err := provider.NewNomadAdapter(cfg.NomadAddr, cfg.DockerImage, consulClient); err != nil {
		log.Printf("WARNING: nomad unavailable (%v)", err)
	} else {
		reg.Register("nomad", nomadAdapter)
	}

	reg.SetDefault(cfg.Provider)
	return reg
}

// recoverInFlight logs every deployment the Store reports as non-terminal
// at startup. A crash mid-lifecycle leaves no goroutine to finish driving
// it; without an owning task it will never progress past whatever phase
// it was in, so operators see it surfaced here rather than silently stuck.
func recoverInFlight(st store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inFlight, err := st.ListInFlight(ctx)
	if err != nil {
		log.Printf("WARNING: listing in-flight deployments: %v", err)
		return
	}
	for _, d := range inFlight {
		log.Printf("WARNING: deployment %s was in-flight (%s) at startup; it has no owning task and will not progress until deleted", d.ID, d.Status)
	}
}
