package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/titanrun/titan/internal/admin"
	"github.com/titanrun/titan/internal/analyzer"
	"github.com/titanrun/titan/internal/asyncexec"
	"github.com/titanrun/titan/internal/auth"
	"github.com/titanrun/titan/internal/bundle"
	"github.com/titanrun/titan/internal/config"
	"github.com/titanrun/titan/internal/dispatcher"
	"github.com/titanrun/titan/internal/domain"
	"github.com/titanrun/titan/internal/extension"
	"github.com/titanrun/titan/internal/fastpath"
	"github.com/titanrun/titan/internal/httpserver"
	"github.com/titanrun/titan/internal/invalidation"
	"github.com/titanrun/titan/internal/jsruntime"
	"github.com/titanrun/titan/internal/logging"
	"github.com/titanrun/titan/internal/metrics"
	"github.com/titanrun/titan/internal/observability"
	"github.com/titanrun/titan/internal/route"
)

// actionSnapshot holds the most recently analyzed action set so the admin
// control plane can report it even after the invalidation bus swaps it out
// from under the running dispatcher and workers.
type actionSnapshot struct {
	mu sync.RWMutex
	m  map[string]*domain.Action
}

func (s *actionSnapshot) Set(m map[string]*domain.Action) {
	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
}

func (s *actionSnapshot) Get() map[string]*domain.Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m
}

func serveCmd() *cobra.Command {
	var (
		httpAddr      string
		bundleDir     string
		routeManifest string
		workerCount   int
		logLevel      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the titan action server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Server.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("bundle-dir") {
				cfg.Server.BundleDir = bundleDir
			}
			if cmd.Flags().Changed("routes") {
				cfg.Server.RouteManifest = routeManifest
			}
			if cmd.Flags().Changed("workers") {
				cfg.Worker.Count = workerCount
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = logLevel
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Server.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			projectRoot, bundleDirResolved, err := resolveDirs(cfg)
			if err != nil {
				return err
			}

			var s3Client *s3.Client
			if cfg.S3.Enabled {
				awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
				if err != nil {
					return fmt.Errorf("load aws config: %w", err)
				}
				s3Client = s3.NewFromConfig(awsCfg)
			}

			store := bundle.New(bundleDirResolved, s3Client, cfg.S3.Bucket)
			if err := store.Scan(); err != nil {
				return fmt.Errorf("scan bundle directory: %w", err)
			}
			logging.Op().Info("bundle store scanned", "dir", bundleDirResolved, "actions", len(store.Names()))

			actions, registry := analyzeActions(store)
			logging.Op().Info("static analysis complete", "total", len(actions), "fast_path", registry.Len())
			snapshot := &actionSnapshot{}
			snapshot.Set(actions)

			routes, err := route.LoadManifest(cfg.Server.RouteManifest)
			if err != nil {
				return fmt.Errorf("load route manifest: %w", err)
			}

			var dbPool *pgxpool.Pool
			if cfg.Postgres.DSN != "" {
				pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
				if err != nil {
					logging.Op().Warn("postgres unavailable, db drift ops will error", "error", err)
				} else {
					dbPool = pool
					defer dbPool.Close()
				}
			}

			executor := asyncexec.New(asyncexec.Config{
				FetchTimeout: cfg.Timeouts.Fetch,
				DBTimeout:    cfg.Timeouts.DB,
				FSTimeout:    cfg.Timeouts.FS,
				ProjectRoot:  projectRoot,
				DBPool:       dbPool,
			})

			var actionAuth jsruntime.AuthAdapter
			if cfg.Auth.JWT.Enabled {
				actionAuth = auth.NewActionAuth(cfg.Auth.JWT.Secret, cfg.Auth.JWT.Issuer)
			}

			loader := &extension.Loader{Roots: cfg.Extensions.Roots}
			extensions, err := loader.Load(func(name string, err error) {
				logging.Op().Warn("extension failed to load", "name", name, "error", err)
				metrics.RecordExtensionError(name)
			})
			if err != nil {
				return fmt.Errorf("load extensions: %w", err)
			}
			logging.Op().Info("extensions loaded", "count", len(extensions))

			logger := logging.NewActionLogger()
			numWorkers := cfg.Worker.Count
			if numWorkers < 1 {
				numWorkers = 1
			}
			workers := make([]*jsruntime.Worker, 0, numWorkers)
			for i := 0; i < numWorkers; i++ {
				w := jsruntime.New(i, projectRoot, cfg.Worker.QueueCap, executor, extensions, actionAuth, logger)
				for name, a := range actions {
					if a.IsFastPath() {
						continue
					}
					if err := w.LoadAction(name, a.Source); err != nil {
						logging.Op().Warn("failed to load action into worker", "action", name, "worker", i, "error", err)
					}
				}
				workers = append(workers, w)
				go w.Run(ctx)
			}

			disp := dispatcher.New(asWorkers(workers), registry)

			server := httpserver.New(routes, disp, httpserver.WithMaxBodySize(cfg.Server.MaxBodyMB<<20))

			var rdb *redis.Client
			if cfg.Redis.Addr != "" {
				rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			}

			var invBus *invalidation.Bus
			if rdb != nil {
				invBus = invalidation.New(rdb)
				go watchInvalidations(ctx, invBus, store, disp, workers, snapshot)
			}

			var handler http.Handler = server
			handler = observability.HTTPMiddleware(handler)
			if cfg.Auth.Enabled {
				var authenticators []auth.Authenticator
				if cfg.Auth.JWT.Enabled {
					jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTAuthConfig{
						Algorithm: cfg.Auth.JWT.Algorithm,
						Secret:    cfg.Auth.JWT.Secret,
						Issuer:    cfg.Auth.JWT.Issuer,
					})
					if err != nil {
						return fmt.Errorf("init jwt authenticator: %w", err)
					}
					authenticators = append(authenticators, jwtAuth)
				}
				if cfg.Auth.APIKey.Enabled {
					staticKeys := make([]auth.StaticKeyConfig, len(cfg.Auth.APIKey.StaticKeys))
					for i, k := range cfg.Auth.APIKey.StaticKeys {
						staticKeys[i] = auth.StaticKeyConfig{Name: k.Name, Key: k.Key, Tier: k.Tier}
					}
					authenticators = append(authenticators, auth.NewAPIKeyAuthenticator(auth.APIKeyAuthConfig{
						Redis:      rdb,
						StaticKeys: staticKeys,
					}))
				}
				if len(authenticators) > 0 {
					handler = auth.Middleware(authenticators, cfg.Auth.PublicPaths)(handler)
				}
			}

			mux := http.NewServeMux()
			mux.Handle("/", handler)
			mux.Handle("/metrics", metrics.PrometheusHandler())
			mux.Handle("/dashboard/metrics", metrics.Global().JSONHandler())
			mux.Handle("/dashboard/timeseries", metrics.Global().TimeSeriesHandler())

			// GRPCConfig is reused as the admin toggle: Enabled mounts the
			// plain JSON admin routes on this mux; no gRPC server runs.
			if cfg.GRPC.Enabled {
				adminHandler := &admin.Handler{
					Dispatcher: disp,
					Routes:     routes,
					Extensions: extensions,
					Actions:    snapshot.Get,
				}
				adminHandler.RegisterRoutes(mux)
				logging.Op().Info("admin control plane mounted", "addr", cfg.Server.HTTPAddr)
			}

			httpSrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux}
			go func() {
				logging.Op().Info("http transport started", "addr", cfg.Server.HTTPAddr)
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("http server failed", "error", err)
				}
			}()

			<-ctx.Done()
			logging.Op().Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
			if invBus != nil {
				invBus.Close()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address")
	cmd.Flags().StringVar(&bundleDir, "bundle-dir", "", "Action bundle directory")
	cmd.Flags().StringVar(&routeManifest, "routes", "", "Path to the route manifest file")
	cmd.Flags().IntVar(&workerCount, "workers", 0, "Number of isolate workers")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")

	return cmd
}

func resolveDirs(cfg *config.Config) (projectRoot, bundleDir string, err error) {
	dir, err := bundle.ResolveDir(cfg.Server.BundleDir, "/app/bundles")
	if err != nil {
		return "", "", fmt.Errorf("resolve bundle directory: %w", err)
	}
	root := cfg.Server.ProjectRoot
	if root == "" {
		root = dir
	}
	return root, dir, nil
}

func analyzeActions(store *bundle.Store) (map[string]*domain.Action, *fastpath.Registry) {
	actions := make(map[string]*domain.Action)
	for _, name := range store.Names() {
		src, ok := store.Source(name)
		if !ok {
			continue
		}
		a := &domain.Action{Name: name, Source: src, LoadedAt: time.Now(), SourceLen: len(src)}
		if resp, ok := analyzer.Analyze(name, src); ok {
			a.Static = resp
		}
		actions[name] = a
	}
	return actions, fastpath.Build(actions)
}

func asWorkers(workers []*jsruntime.Worker) []dispatcher.Worker {
	out := make([]dispatcher.Worker, len(workers))
	for i, w := range workers {
		out[i] = w
	}
	return out
}

func watchInvalidations(ctx context.Context, bus *invalidation.Bus, store *bundle.Store, disp *dispatcher.Dispatcher, workers []*jsruntime.Worker, snapshot *actionSnapshot) {
	for action := range bus.Subscribe(ctx) {
		if action == invalidation.All {
			store.InvalidateAll()
		}
		if err := store.Scan(); err != nil {
			logging.Op().Error("invalidation: bundle re-scan failed", "error", err)
			continue
		}
		actions, registry := analyzeActions(store)
		disp.SetFastPath(registry)
		snapshot.Set(actions)

		names := []string{action}
		if action == invalidation.All {
			names = store.Names()
		}
		for _, name := range names {
			a, ok := actions[name]
			if !ok || a.IsFastPath() {
				continue
			}
			for _, w := range workers {
				if err := w.Reload(ctx, name, a.Source); err != nil {
					logging.Op().Warn("invalidation: reload failed", "action", name, "error", err)
				}
			}
		}
		logging.Op().Info("invalidation applied", "action", action, "fast_path", registry.Len())
	}
}
