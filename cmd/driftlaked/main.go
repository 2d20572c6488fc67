// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// driftlaked runs the CDC streaming core: it opens the state database,
// starts every enabled stream job under a supervisor and runs until a
// terminating signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftlake/driftlake/core/changestream"
	corelogger "github.com/driftlake/driftlake/core/logger"
	coreschema "github.com/driftlake/driftlake/core/schema"
	checkpointservice "github.com/driftlake/driftlake/domain/checkpoint/service"
	checkpointstate "github.com/driftlake/driftlake/domain/checkpoint/state"
	"github.com/driftlake/driftlake/domain/jobs"
	jobsservice "github.com/driftlake/driftlake/domain/jobs/service"
	jobsstate "github.com/driftlake/driftlake/domain/jobs/state"
	registryerrors "github.com/driftlake/driftlake/domain/schemaregistry/errors"
	registryservice "github.com/driftlake/driftlake/domain/schemaregistry/service"
	registrystate "github.com/driftlake/driftlake/domain/schemaregistry/state"
	"github.com/driftlake/driftlake/internal/changestream/stream"
	"github.com/driftlake/driftlake/internal/database"
	internallogger "github.com/driftlake/driftlake/internal/logger"
	"github.com/driftlake/driftlake/internal/mongo"
	internalschema "github.com/driftlake/driftlake/internal/schema"
	"github.com/driftlake/driftlake/internal/worker/signalhandler"
	"github.com/driftlake/driftlake/internal/worker/streamjobs"
)

const errSignalled = errors.ConstError("terminated by signal")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "driftlaked: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("driftlaked", flag.ExitOnError)
	var (
		dbPath      = flags.String("db", "driftlake.db", "path to the state database")
		metricsAddr = flags.String("metrics-addr", ":9090", "address for the metrics endpoint; empty disables")
		logConfig   = flags.String("log-config", "<root>=INFO", "loggo configuration string")
		identity    = flags.String("worker-identity", "", "identity recorded on executions (default host:pid)")
		maxRetries  = flags.Int("max-retries", 5, "retry budget per stream job")
		dialTimeout = flags.Duration("dial-timeout", 10*time.Second, "source connection timeout")
	)
	if err := flags.Parse(args); err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(*logConfig); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}
	if *identity == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		*identity = fmt.Sprintf("%s:%d", host, os.Getpid())
	}

	rootLogger := internallogger.GetLogger("driftlake")
	clk := clock.WallClock
	ctx := context.Background()

	db, err := database.Open(*dbPath, clk, rootLogger.Child("database"))
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = db.Close() }()
	factory := db.Factory()

	registry := prometheus.NewRegistry()
	checkpointMetrics := checkpointservice.NewMetricsCollector()
	streamMetrics := stream.NewMetricsCollector()
	registry.MustRegister(checkpointMetrics, streamMetrics)

	checkpoints := checkpointservice.NewService(
		checkpointstate.NewState(factory, rootLogger.Child("checkpoint")),
		clk, checkpointMetrics, rootLogger.Child("checkpoint"))
	schemaRegistry := registryservice.NewService(
		registrystate.NewState(factory, rootLogger.Child("schemaregistry")), clk)
	jobRegistry := jobsservice.NewService(
		jobsstate.NewState(factory, rootLogger.Child("jobs")),
		clk, rootLogger.Child("jobs"))

	supervisor, err := streamjobs.NewSupervisor(streamjobs.Config{
		Jobs: jobRegistry,
		NewWatcher: newWatcherFactory(watcherDeps{
			checkpoints: checkpoints,
			registry:    schemaRegistry,
			evaluator:   internalschema.NewEvaluator(rootLogger.Child("schema")),
			metrics:     streamMetrics,
			clock:       clk,
			logger:      rootLogger,
			identity:    *identity,
			maxRetries:  *maxRetries,
			dialTimeout: *dialTimeout,
		}),
		WorkerIdentity: *identity,
		MaxRetries:     *maxRetries,
		Clock:          clk,
		Logger:         rootLogger.Child("supervisor"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rootLogger.Errorf(ctx, "metrics endpoint: %v", err)
			}
		}()
		defer func() { _ = server.Close() }()
	}

	startEnabledJobs(ctx, jobRegistry, supervisor, rootLogger)

	sigCh, restore := signalhandler.Install(os.Interrupt, syscall.SIGTERM)
	defer restore()
	signals, err := signalhandler.NewSignalWatcher(
		rootLogger.Child("signal"), sigCh, signalhandler.Handler(errSignalled, nil))
	if err != nil {
		supervisor.Kill()
		_ = supervisor.Wait()
		return errors.Trace(err)
	}

	done := make(chan error, 2)
	go func() { done <- supervisor.Wait() }()
	go func() { done <- signals.Wait() }()
	err = <-done

	supervisor.Kill()
	signals.Kill()
	supervisorErr := supervisor.Wait()
	_ = signals.Wait()

	if errors.Is(err, errSignalled) {
		rootLogger.Infof(ctx, "shutting down on signal")
		return errors.Trace(supervisorErr)
	}
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(supervisorErr)
}

// startEnabledJobs starts every enabled stream job in the registry.
// Failures are logged per job so that one bad config does not prevent
// the rest from running.
func startEnabledJobs(ctx context.Context, jobRegistry *jobsservice.Service, supervisor *streamjobs.Supervisor, logger corelogger.Logger) {
	configs, err := jobRegistry.ListJobs(ctx, "", jobs.TypeStream)
	if err != nil {
		logger.Errorf(ctx, "listing stream jobs: %v", err)
		return
	}
	started := 0
	for _, config := range configs {
		if !config.Enabled {
			continue
		}
		if _, err := supervisor.StartStreamJob(ctx, config.JobID, "startup"); err != nil {
			logger.Errorf(ctx, "starting stream job %q: %v", config.JobID, err)
			continue
		}
		started++
	}
	logger.Infof(ctx, "started %d of %d stream jobs", started, len(configs))
}

type watcherDeps struct {
	checkpoints *checkpointservice.Service
	registry    *registryservice.Service
	evaluator   *internalschema.Evaluator
	metrics     stream.MetricsCollector
	clock       clock.Clock
	logger      corelogger.Logger
	identity    string
	maxRetries  int
	dialTimeout time.Duration
}

// newWatcherFactory builds watchers that dial the job's own source URI
// and resume from the checkpoint store. Sink writers plug in as the
// callback; the built-in sink only logs delivery, leaving durable
// writes to the lakehouse writer deployment.
func newWatcherFactory(deps watcherDeps) streamjobs.WatcherFactory {
	return func(config jobs.Config) (streamjobs.Watcher, error) {
		ctx := context.Background()

		session, err := mongo.Dial(config.SourceURI, deps.dialTimeout)
		if err != nil {
			return nil, errors.Trace(err)
		}
		pipeline, err := mongo.ParsePipeline(config.FilterPipeline)
		if err != nil {
			session.Close()
			return nil, errors.Trace(err)
		}
		source, err := mongo.NewSource(mongo.SourceConfig{
			Session:        session,
			Database:       config.Database,
			Collection:     config.Collection,
			FilterPipeline: pipeline,
		})
		if err != nil {
			session.Close()
			return nil, errors.Trace(err)
		}

		var initial coreschema.Schema
		current, err := deps.registry.GetLatestSchema(ctx, config.SinkTable)
		if err == nil {
			initial = current
		} else if !errors.Is(err, registryerrors.SchemaNotFound) {
			session.Close()
			return nil, errors.Trace(err)
		}

		logger := deps.logger.Child("stream." + config.JobID)
		watcher, err := stream.New(stream.Config{
			JobID:         config.JobID,
			Collection:    config.Collection,
			SinkTable:     config.SinkTable,
			Source:        source,
			Checkpoints:   deps.checkpoints,
			Callback:      logSink(logger, config),
			Evolver:       internalschema.NewEvolver(deps.evaluator, deps.registry, nil, deps.identity),
			InitialSchema: initial,
			Classify:      mongo.ClassifyError,
			BatchSize:     config.BatchSize,
			BatchInterval: config.BatchInterval,
			MaxRetries:    deps.maxRetries,
			Clock:         deps.clock,
			Logger:        logger,
			Metrics:       deps.metrics,
		})
		if err != nil {
			session.Close()
			return nil, errors.Trace(err)
		}

		// The session copy backing the cursors dies with the watcher.
		go func() {
			_ = watcher.Wait()
			session.Close()
		}()
		return watcher, nil
	}
}

func logSink(logger corelogger.Logger, config jobs.Config) stream.Callback {
	return func(ctx context.Context, batch []changestream.ChangeEvent) error {
		logger.Infof(ctx, "delivered %d events from %s.%s to table %q",
			len(batch), config.Database, config.Collection, config.SinkTable)
		return nil
	}
}
