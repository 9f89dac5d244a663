package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weirhq/weir/pkg/api"
	"github.com/weirhq/weir/pkg/builder"
	"github.com/weirhq/weir/pkg/cache"
	"github.com/weirhq/weir/pkg/checkpoint"
	"github.com/weirhq/weir/pkg/config"
	"github.com/weirhq/weir/pkg/dag"
	"github.com/weirhq/weir/pkg/events"
	"github.com/weirhq/weir/pkg/executor"
	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/metrics"
	"github.com/weirhq/weir/pkg/reader"
	"github.com/weirhq/weir/pkg/replication"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// App assembles one pipeline deployment: the checkpoint factory, the
// executor over a user-supplied DAG, the replication API and one cache
// builder per endpoint.
type App struct {
	cfg      *config.Config
	storage  storage.Storage
	factory  *checkpoint.Factory
	registry *replication.Registry
	broker   *events.Broker
	logger   zerolog.Logger

	mu       sync.RWMutex
	builders map[string]*builder.Builder
}

// New builds the shared infrastructure. The caller then assembles its DAG
// using SinkFactory for every endpoint and calls Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := BuildStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	factory, err := checkpoint.New(ctx, st, cfg.Runtime.PersistQueueCapacity)
	if err != nil {
		return nil, err
	}
	broker := events.NewBroker()
	broker.Start()
	return &App{
		cfg:      cfg,
		storage:  st,
		factory:  factory,
		registry: replication.NewRegistry(),
		broker:   broker,
		logger:   log.WithComponent("orchestrator"),
		builders: make(map[string]*builder.Builder),
	}, nil
}

// BuildStorage constructs the object-storage backend selected by the
// configuration
func BuildStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return storage.NewS3Storage(ctx, cfg.Storage.S3)
	default:
		return storage.NewLocalStorage(cfg.Storage.Dir)
	}
}

// SinkFactory returns the sink factory for one configured endpoint; wire
// the DAG's output edge for that endpoint into it
func (a *App) SinkFactory(endpoint string) dag.SinkFactory {
	return replication.NewLogSinkFactory(a.storage, endpoint, a.registry)
}

// Broker returns the event broker
func (a *App) Broker() *events.Broker { return a.broker }

// Storage returns the shared object storage
func (a *App) Storage() storage.Storage { return a.storage }

// Serving returns the cache currently serving an endpoint's queries
func (a *App) Serving(endpoint string) (*cache.Cache, bool) {
	a.mu.RLock()
	b, ok := a.builders[endpoint]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return b.Serving(), true
}

func (a *App) executorOptions() executor.Options {
	return executor.Options{
		ChannelBufferSize:   a.cfg.Runtime.ChannelBufferSize,
		CommitSize:          a.cfg.Runtime.CommitSize,
		CommitTimeThreshold: a.cfg.Runtime.CommitTimeThreshold(),
		Epoch: executor.EpochOptions{
			MaxNumRecordsBeforePersist: uint64(a.cfg.Runtime.MaxNumRecordsBeforePersist),
			MaxIntervalBeforePersist:   a.cfg.Runtime.MaxIntervalBeforePersist(),
		},
	}
}

func (a *App) cacheIndexes(ep config.EndpointConfig, schema types.Schema) ([]cache.IndexDefinition, error) {
	var out []cache.IndexDefinition
	for _, idx := range ep.Indexes {
		def := cache.IndexDefinition{Kind: cache.IndexKind(idx.Kind)}
		for _, name := range idx.Fields {
			pos := schema.FieldIndex(name)
			if pos < 0 {
				return nil, fmt.Errorf("endpoint %s: index field %q not in schema", ep.Name, name)
			}
			def.Fields = append(def.Fields, pos)
		}
		out = append(out, def)
	}
	return out, nil
}

// Run executes the pipeline until it drains, fails, or ctx is canceled.
// The replication API serves for the lifetime of the run; builders are
// restarted if their reader dies while the pipeline is alive.
func (a *App) Run(ctx context.Context, d *dag.Dag) error {
	exec, err := executor.New(d, a.factory, a.executorOptions())
	if err != nil {
		return err
	}
	metrics.RegisterComponent(metrics.ComponentPipeline, true, "")

	server := api.NewServer(a.registry, a.storage)
	serverErr := make(chan error, 1)
	metrics.RegisterComponent(metrics.ComponentAPI, true, "")
	go func() {
		if err := server.Start(a.cfg.API.Addr); err != nil {
			metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
			serverErr <- err
		}
	}()
	defer server.Stop()

	var metricsServer *http.Server
	if a.cfg.API.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		metricsServer = &http.Server{Addr: a.cfg.API.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer metricsServer.Close()
	}

	buildCtx, cancelBuilders := context.WithCancel(context.Background())
	defer cancelBuilders()
	var builderWg sync.WaitGroup
	for _, ep := range a.cfg.Endpoints {
		builderWg.Add(1)
		go func(ep config.EndpointConfig) {
			defer builderWg.Done()
			a.runBuilder(buildCtx, ep)
		}(ep)
	}

	a.broker.Publish(&events.Event{Type: events.EventPipelineStarted, Message: a.cfg.AppName})
	err = exec.Run(ctx)

	select {
	case srvErr := <-serverErr:
		if err == nil {
			err = srvErr
		}
	default:
	}

	if err == nil {
		// let builders finish consuming what the drained pipeline wrote
		a.waitForBuilders(10 * time.Second)
	}
	cancelBuilders()
	builderWg.Wait()

	if err != nil {
		metrics.UpdateComponent(metrics.ComponentPipeline, false, err.Error())
		a.broker.Publish(&events.Event{Type: events.EventPipelineFailed, Message: err.Error()})
		return err
	}
	metrics.UpdateComponent(metrics.ComponentPipeline, true, "drained")
	a.broker.Publish(&events.Event{Type: events.EventPipelineDrained, Message: a.cfg.AppName})
	return nil
}

// waitForBuilders blocks until every endpoint's serving cache has applied
// its log, or the timeout expires
func (a *App) waitForBuilders(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for _, name := range a.registry.Endpoints() {
		l, ok := a.registry.Get(name)
		if !ok || l.End() == 0 {
			continue
		}
		end := l.End()
		for time.Now().Before(deadline) {
			a.mu.RLock()
			b := a.builders[name]
			a.mu.RUnlock()
			if b != nil {
				if state, ok := b.Serving().CommitState(); ok && state.LogPosition+1 >= end {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// runBuilder keeps one endpoint's builder alive, rebuilding it when the
// reader exits; a rebuilt builder resumes from its cache's commit state
func (a *App) runBuilder(ctx context.Context, ep config.EndpointConfig) {
	logger := log.WithEndpoint(ep.Name)
	transport := &localTransport{registry: a.registry, storage: a.storage}

	for ctx.Err() == nil {
		l, ok := a.registry.Get(ep.Name)
		if !ok {
			// the executor has not built this endpoint's sink yet
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		indexes, err := a.cacheIndexes(ep, l.Schema())
		if err != nil {
			logger.Error().Err(err).Msg("invalid endpoint index config")
			metrics.UpdateComponent(metrics.BuilderComponent(ep.Name), false, err.Error())
			return
		}

		b, err := builder.New(ctx, transport, a.storage, builder.Options{
			Endpoint:           ep.Name,
			CacheDir:           a.cfg.CacheDir,
			ConflictResolution: ep.ConflictResolution,
			Indexes:            indexes,
			Broker:             a.broker,
			Reader:             reader.Options{PollTimeout: time.Second},
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to build cache builder")
			metrics.UpdateComponent(metrics.BuilderComponent(ep.Name), false, err.Error())
			return
		}

		a.mu.Lock()
		a.builders[ep.Name] = b
		a.mu.Unlock()
		metrics.RegisterComponent(metrics.BuilderComponent(ep.Name), true, "")

		if err := b.Run(ctx); err != nil {
			if errors.Is(err, reader.ErrReaderExit) && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("log reader exited, rebuilding")
				metrics.UpdateComponent(metrics.BuilderComponent(ep.Name), false, "log reader exited, rebuilding")
				b.Close()
				continue
			}
			logger.Error().Err(err).Msg("cache builder failed")
			metrics.UpdateComponent(metrics.BuilderComponent(ep.Name), false, err.Error())
			return
		}
		// leave the caches open: the serving handle stays queryable until
		// the app closes
		return
	}
}

// Close tears down the shared infrastructure after Run returned
func (a *App) Close() error {
	a.mu.Lock()
	for _, b := range a.builders {
		b.Close()
	}
	a.builders = make(map[string]*builder.Builder)
	a.mu.Unlock()
	a.broker.Stop()
	return a.factory.Close()
}
