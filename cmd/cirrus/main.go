// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/must"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/cobaltcore-dev/cirrus/internal/backend"
	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/db"
	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/executors"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	"github.com/cobaltcore-dev/cirrus/internal/mqtt"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
	"github.com/cobaltcore-dev/cirrus/internal/tasks"
)

const eventBufferSize = 1024

// Periodically fetch the metrics from the registry and expose them.
func runMonitoringServer(ctx context.Context, registry *monitoring.Registry, config conf.MonitoringConfig) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	slog.Info("metrics listening", "port", config.Port)
	addr := ":" + strconv.Itoa(config.Port)
	if err := httpext.ListenAndServeContext(ctx, addr, mux); err != nil {
		panic(err)
	}
}

// Serve the liveness endpoint on the api port.
func runAPIServer(ctx context.Context, config conf.APIConfig) {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	slog.Info("api listening", "port", config.Port)
	if err := httpext.ListenAndServeContext(ctx, ":"+strconv.Itoa(config.Port), mux); err != nil {
		panic(err)
	}
}

// Wire the event bus to the mqtt broker.
func setupEvents(ctx context.Context, registry *monitoring.Registry, config conf.MQTTConfig) *events.Bus {
	mqttClient := mqtt.NewClient(config, mqtt.NewMQTTMonitor(registry))
	if err := mqttClient.Connect(); err != nil {
		panic(err)
	}
	monitor := events.NewEventsMonitor(registry)
	bus := events.NewBus(eventBufferSize, monitor)
	events.NewRegistrators(monitor).
		Add(events.MQTTSink{Client: mqttClient},
			models.KindTenant, models.KindNetwork, models.KindSubNet, models.KindRouter,
			models.KindPort, models.KindSecurityGroup, models.KindServerGroup, models.KindFloatingIP,
			models.KindVolume, models.KindSnapshot, models.KindInstance, models.KindBackup,
		).
		Add(events.UsageRegistrator{Client: mqttClient},
			models.KindInstance, models.KindVolume, models.KindSnapshot, models.KindFloatingIP,
		).
		Attach(bus)
	go bus.Run(ctx)
	return bus
}

func main() {
	runOnce := len(os.Args) > 1 && os.Args[1] == "--run-once"
	if len(os.Args) > 1 && !runOnce {
		bininfo.HandleVersionArgument()
	}

	config := conf.GetConfigOrDie[*conf.Config]()
	if err := config.Validate(); err != nil {
		panic(err)
	}
	config.LoggingConfig.SetDefaultLogger()

	// Set runtime concurrency to match CPU limit imposed by Kubernetes
	undoMaxprocs, err := maxprocs.Set(maxprocs.Logger(slog.Debug))
	if err != nil {
		panic(err)
	}
	defer undoMaxprocs()

	wrap := httpext.WrapTransport(&http.DefaultTransport)
	wrap.SetOverrideUserAgent(bininfo.Component(), bininfo.VersionOr("rolling"))

	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)

	registry := monitoring.NewRegistry(config.MonitoringConfig)
	database := db.NewPostgresDB(ctx, config.DBConfig, registry, db.NewDBMonitor(registry))
	defer database.Close()
	must.Succeed(models.CreateTables(&database))
	must.Succeed(tasks.CreateTables(&database))
	conns := must.Return(backend.SeedConnections(&database, *config, time.Now().UTC()))
	if len(conns) == 0 {
		panic(errors.New("no service connection configured"))
	}

	bus := setupEvents(ctx, registry, config.MQTTConfig)
	factory := &backend.Factory{
		DB:      &database,
		Cloud:   openstack.NewAdapter(openstack.NewOpenStackMonitor(registry)),
		Quotas:  quotas.NewRegistry(),
		Events:  bus,
		Config:  config.ExecutorsConfig,
		Monitor: backend.NewBackendMonitor(registry),
	}
	executor := must.Return(executors.NewExecutor(&database, factory, config.ExecutorsConfig))
	runner := tasks.NewRunner(&database, executor.Registry(), config.TasksConfig, tasks.NewTasksMonitor(registry))
	runner.Ceiling = factory.Ceiling

	if runOnce {
		if _, err := executor.ResyncAll(ctx); err != nil {
			panic(err)
		}
		must.Succeed(runner.RunAll(ctx))
		slog.Info("all pending chains processed")
		return
	}

	go database.CheckLivenessPeriodically(ctx)
	go runMonitoringServer(ctx, registry, config.MonitoringConfig)

	go runner.Job(registry).Run(ctx, jobloop.NumGoroutines(uint32(config.TasksConfig.WorkerCount()))) //nolint:gosec
	go executor.ScheduleJob(registry).Run(ctx)
	go executor.ResyncJob(registry, config.SyncConfig.PullInterval()).Run(ctx)

	runAPIServer(ctx, config.APIConfig)
}
