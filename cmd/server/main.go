package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/ritikr000/VM-Generator/internal/catalog"
	"github.com/ritikr000/VM-Generator/internal/db"
	"github.com/ritikr000/VM-Generator/internal/handlers"
	"github.com/ritikr000/VM-Generator/internal/hostmem"
	"github.com/ritikr000/VM-Generator/internal/hypervisor"
	"github.com/ritikr000/VM-Generator/internal/metrics"
	"github.com/ritikr000/VM-Generator/internal/middleware"
	"github.com/ritikr000/VM-Generator/internal/provision"
	"github.com/ritikr000/VM-Generator/internal/reconcile"
	"github.com/ritikr000/VM-Generator/internal/vm"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

type config struct {
	Port          string
	DBPath        string
	Token         string
	LibvirtSocket string
	LogLevel      slog.Level

	PlaybookBin   string
	Playbook      string
	Inventory     string
	ProvisionTime time.Duration
	Concurrency   int
	CatalogPath   string

	CreateRate  rate.Limit
	CreateBurst int
}

// loadConfig reads service configuration from environment variables and
// applies defaults. Malformed values are errors.
func loadConfig() (config, error) {
	cfg := config{
		Port:          envOr("PORT", "8080"),
		DBPath:        envOr("DB_PATH", "./vms.db"),
		Token:         os.Getenv("API_TOKEN"),
		LibvirtSocket: envOr("LIBVIRT_SOCKET", hypervisor.DefaultSocket),
		PlaybookBin:   envOr("ANSIBLE_PLAYBOOK_BIN", "ansible-playbook"),
		Playbook:      envOr("ANSIBLE_PLAYBOOK", "ansible/create_vm.yml"),
		Inventory:     envOr("ANSIBLE_INVENTORY", "ansible/inventory.ini"),
		CatalogPath:   os.Getenv("IMAGE_CATALOG"),
		LogLevel:      slog.LevelInfo,
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return config{}, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}

	var err error
	if cfg.ProvisionTime, err = durationEnv("PROVISION_TIMEOUT", provision.DefaultTimeout); err != nil {
		return config{}, err
	}
	if cfg.Concurrency, err = intEnv("PROVISION_CONCURRENCY", vm.DefaultConcurrency); err != nil {
		return config{}, err
	}
	if cfg.Concurrency < 1 {
		return config{}, fmt.Errorf("PROVISION_CONCURRENCY must be at least 1, got %d", cfg.Concurrency)
	}
	limit, err := floatEnv("CREATE_RATE_LIMIT", 1)
	if err != nil {
		return config{}, err
	}
	cfg.CreateRate = rate.Limit(limit)
	if cfg.CreateBurst, err = intEnv("CREATE_RATE_BURST", 5); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(path)
}

// routes builds the server mux. Every route is instrumented under its
// pattern.
func routes(cfg config, h *handlers.Handler, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, next http.Handler) {
		mux.Handle(pattern, metrics.Middleware(pattern, next))
	}

	// Landing page, health, metrics and docs: no auth
	handle("GET /{$}", http.HandlerFunc(h.Index))
	handle("GET /healthz", http.HandlerFunc(h.Health))
	handle("GET /metrics", metrics.Handler(gatherer))
	handle("GET /openapi.yaml", http.HandlerFunc(handlers.OpenAPISpec))
	handle("GET /docs", handlers.Docs("VM Generator API "+h.Version, "/openapi.yaml"))

	// Bearer token auth when API_TOKEN is set
	handle("GET /create-vm", middleware.Auth(cfg.Token,
		middleware.RateLimit(cfg.CreateRate, cfg.CreateBurst, http.HandlerFunc(h.CreateVM))))
	handle("GET /view-database", middleware.Auth(cfg.Token, http.HandlerFunc(h.ViewDatabase)))
	handle("GET /api/v1/vms", middleware.Auth(cfg.Token, http.HandlerFunc(h.ListRecords)))

	skip := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	return middleware.RequestID(middleware.Recover(logger, middleware.RequestLogger(logger, skip, mux)))
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	images, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("failed to load image catalog: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	invoker := provision.New(provision.Config{
		Binary:    cfg.PlaybookBin,
		Playbook:  cfg.Playbook,
		Inventory: cfg.Inventory,
		Timeout:   cfg.ProvisionTime,
	}, nil, logger.With("component", "provision"))
	inspector := hypervisor.NewInspector(hypervisor.Config{Socket: cfg.LibvirtSocket}, logger.With("component", "hypervisor"))

	h := &handlers.Handler{
		DB:      database,
		VMs:     vm.NewService(images, invoker, database, cfg.Concurrency, logger.With("component", "vm")),
		View:    reconcile.NewView(database, inspector, hostmem.New(), logger.With("component", "reconcile")),
		OSTypes: images.OSTypes(),
		Version: version,
		Commit:  commit,

		Hypervisor: inspector,
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg, database)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           routes(cfg, h, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// create-vm holds the connection for the whole playbook run
		WriteTimeout: cfg.ProvisionTime + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr, "version", version, "os_types", images.OSTypes(),
			"auth", cfg.Token != "", "provision_concurrency", cfg.Concurrency)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProvisionTime+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := database.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}
	logger.Info("server stopped")
}
