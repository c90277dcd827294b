package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/chambrid/jobs-api/internal/core"
	"github.com/chambrid/jobs-api/internal/runtime/k8s"
	"github.com/chambrid/jobs-api/internal/storage"
	"github.com/chambrid/jobs-api/pkg/config"
	"github.com/chambrid/jobs-api/pkg/identity"
	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
	"github.com/chambrid/jobs-api/pkg/ratelimit"
)

const (
	imagesConfigKey = "images-v1.yaml"
	shutdownTimeout = 30 * time.Second

	harborTimeout = 5 * time.Second
	lokiTimeout   = 15 * time.Second
)

var _ JobService = (*core.Service)(nil)

// Execute runs the jobs-api command line.
func Execute(info BuildInfo) error {
	return NewRootCommand(info).Execute()
}

// NewRootCommand builds the jobs-api command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "jobs-api",
		Short: "Toolforge jobs API",
		Long: `Toolforge jobs API - run one-off, scheduled and continuous jobs of a tool
as Kubernetes workloads.

Configuration is read from the environment, optionally layered over the
.env file named by JOBS_API_ENV_FILE:
    API_HOST, API_PORT         listen address of the API
    METRICS_ADDR               listen address of the metrics endpoint
    ENABLE_STORAGE             make stored job definitions authoritative
    STORAGE_BACKEND            kubernetes or sqlite
    LOKI_URL                   read logs from Loki, empty for pod logs`,
		Version:       info.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("jobs-api %s (commit %s, built %s)\n", info.Version, info.Commit, info.Date))

	root.AddCommand(newServeCommand(info), newRenderCommand(), newCronCommand())
	return root
}

func newServeCommand(info BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Example: `  # Listen on the default address
  jobs-api serve

  # Verbose logging on another port
  jobs-api serve --port=9000 --log-level=debug`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadServeConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg, info)
		},
	}

	cmd.Flags().String("host", "", "Listen host (overrides API_HOST)")
	cmd.Flags().Int("port", 0, "Listen port (overrides API_PORT)")
	cmd.Flags().String("metrics-addr", "", "Metrics listen address (overrides METRICS_ADDR)")
	cmd.Flags().String("log-level", "", "Log level, info or debug (overrides LOG_LEVEL)")
	return cmd
}

// loadServeConfig reads the environment, then applies the flags that were set.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, err
	}
	applyServeFlags(cfg, cmd.Flags())
	return cfg, nil
}

func applyServeFlags(cfg *config.Config, flags *pflag.FlagSet) {
	if flags.Changed("host") {
		cfg.APIHost, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.APIPort, _ = flags.GetInt("port")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
}

// newLogger builds the process logger.
func newLogger(cfg *config.Config) logr.Logger {
	opts := []zap.Opts{zap.UseDevMode(cfg.Debug || cfg.LogLevel == "debug")}
	if cfg.LogFormat == "json" {
		opts = append(opts, zap.JSONEncoder())
	} else {
		opts = append(opts, zap.ConsoleEncoder())
	}
	logger := zap.New(opts...)
	ctrllog.SetLogger(logger)
	return logger
}

// resourceDefaults parses the configured platform limits.
func resourceDefaults(cfg *config.Config) (jobs.ResourceDefaults, error) {
	cpu, err := resource.ParseQuantity(cfg.DefaultCPULimit)
	if err != nil {
		return jobs.ResourceDefaults{}, fmt.Errorf("invalid default cpu limit: %w", err)
	}
	memory, err := resource.ParseQuantity(cfg.DefaultMemoryLimit)
	if err != nil {
		return jobs.ResourceDefaults{}, fmt.Errorf("invalid default memory limit: %w", err)
	}
	return jobs.ResourceDefaults{CPU: cpu, Memory: memory}, nil
}

// upstreamLimiter paces the requests of one upstream service.
func upstreamLimiter(cfg *config.Config) *ratelimit.Limiter {
	opts := ratelimit.DefaultOptions()
	opts.Delay = cfg.UpstreamRequestDelay
	opts.MaxConcurrent = cfg.UpstreamMaxConcurrency
	return ratelimit.NewLimiter(opts)
}

// newCatalog wires the image catalog: the image ConfigMap plus Harbor.
func newCatalog(cfg *config.Config, clientset kubernetes.Interface, logger logr.Logger) *images.Catalog {
	if cfg.SkipImages {
		logger.Info("image loading disabled")
		return images.NewCatalog(images.NewConfigCache(images.StaticLoader{}), nil, cfg.ImagesConfigRefreshInterval, logger)
	}

	loader := &images.ConfigMapLoader{
		Client:    clientset,
		Namespace: cfg.ImagesConfigNamespace,
		Name:      cfg.ImagesConfigMap,
		Key:       imagesConfigKey,
	}

	var registry images.Registry
	harbor, err := images.LoadHarborConfig(cfg.HarborConfigPath)
	if err != nil {
		logger.Error(err, "buildpack images will not be available")
	} else {
		registry = images.NewHarborClient(harbor, ratelimit.NewClient(harborTimeout, upstreamLimiter(cfg)), logger)
	}
	return images.NewCatalog(images.NewConfigCache(loader), registry, cfg.ImagesConfigRefreshInterval, logger)
}

// openStorage opens the configured definition store. close must be called
// on shutdown.
func openStorage(ctx context.Context, cfg *config.Config, restClient client.Client, resolver storage.ImageResolver, logger logr.Logger) (storage.Storage, func() error, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath, resolver, logger)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return storage.NewKubernetesStorage(restClient, resolver, logger), func() error { return nil }, nil
	}
}

func runServe(ctx context.Context, cfg *config.Config, info BuildInfo) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg)
	setupLog := logger.WithName("setup")

	defaults, err := resourceDefaults(cfg)
	if err != nil {
		return err
	}

	restConfig, err := ctrlconfig.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load kubernetes configuration: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	catalog := newCatalog(cfg, clientset, logger)

	rtOpts := k8s.Options{
		Client:       clientset,
		Catalog:      catalog,
		Tenants:      identity.NewPasswdResolver(cfg.ProjectFile),
		Defaults:     defaults,
		PublicDomain: cfg.DefaultPublicDomain,
		Logger:       logger,
	}
	if cfg.LokiURL != "" {
		rtOpts.Logs = k8s.NewLokiSource(cfg.LokiURL, ratelimit.NewClient(lokiTimeout, upstreamLimiter(cfg)))
	}
	runtime := k8s.New(rtOpts)

	var storageClient client.Client
	if cfg.StorageBackend != config.StorageBackendSQLite {
		storageClient, err = client.New(restConfig, client.Options{Scheme: storage.Scheme})
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
	}
	store, closeStore, err := openStorage(ctx, cfg, storageClient, catalog, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			setupLog.Error(err, "failed to close storage")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service := core.NewService(core.Options{
		Runtime:        runtime,
		Storage:        store,
		StorageEnabled: cfg.EnableStorage,
		Metrics:        core.NewMetrics(registry),
		Logger:         logger,
	})

	server := NewServer(Options{
		Config: &Config{
			Addr:        cfg.Addr(),
			ReadTimeout: DefaultConfig().ReadTimeout,
			IdleTimeout: DefaultConfig().IdleTimeout,
		},
		BuildInfo: info,
		Service:   service,
		Images:    catalog,
		Defaults:  defaults,
		Metrics:   NewHTTPMetrics(registry),
		Logger:    logger,
	})

	var metricsServer *http.Server
	if !cfg.SkipMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			setupLog.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				setupLog.Error(err, "metrics server failed")
			}
		}()
	}

	setupLog.Info("starting jobs api",
		"version", info.Version, "commit", info.Commit,
		"storage", cfg.StorageBackend, "storage_enabled", cfg.EnableStorage)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		setupLog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			setupLog.Error(err, "failed to stop metrics server")
		}
	}
	return server.Stop(shutdownCtx)
}
