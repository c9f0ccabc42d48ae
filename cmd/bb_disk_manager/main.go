package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/buildbarn/bb-disk-manager/pkg/configuration/bb_disk_manager"
	"github.com/buildbarn/bb-disk-manager/pkg/disk"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/global"
	"github.com/buildbarn/bb-storage/pkg/program"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// bb_disk_manager keeps the volumes of a database mounted. It creates
// the database if it does not exist yet, periodically writes modified
// pages back to the volumes, and checks whether the sector tables and
// the free sector counts kept in memory agree. Space accounting is
// exposed through Prometheus metrics on the diagnostics web server and
// a JSON status page.

func main() {
	program.RunMain(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		if len(os.Args) != 2 {
			return status.Error(codes.InvalidArgument, "Usage: bb_disk_manager bb_disk_manager.jsonnet")
		}
		configuration, err := bb_disk_manager.GetApplicationConfiguration(os.Args[1])
		if err != nil {
			return util.StatusWrapf(err, "Failed to read configuration from %s", os.Args[1])
		}
		lifecycleState, _, err := global.ApplyConfiguration(configuration.Global, dependenciesGroup)
		if err != nil {
			return util.StatusWrap(err, "Failed to apply global configuration options")
		}

		var storage disk.VolumeStorage
		if configuration.InMemoryStorageSizeBytes > 0 {
			storage = disk.NewInMemoryVolumeStorage(configuration.InMemoryStorageSizeBytes)
		} else {
			if err := os.MkdirAll(configuration.Disk.VolumeDirectory, 0o755); err != nil {
				return util.StatusWrapfWithCode(err, codes.Internal, "Failed to create volume directory %#v", configuration.Disk.VolumeDirectory)
			}
			storage = disk.NewDirectoryVolumeStorage()
		}

		// Only system operations are performed by this process, for
		// which a log that is not durable suffices.
		transactionLog := wal.NewInMemoryLog()
		manager, err := disk.NewManager(configuration.Disk, storage, transactionLog, clock.SystemClock)
		if err != nil {
			return err
		}
		transactionLog.SetRecoveryHandler(manager)

		if err := manager.Mount(ctx); err != nil {
			if status.Code(err) != codes.NotFound {
				return util.StatusWrap(err, "Failed to mount volumes")
			}
			log.Printf("Creating database %#v with %d sectors", configuration.Disk.DatabaseName, configuration.InitialVolumeSizeSectors)
			if err := manager.CreateDatabase(ctx, configuration.InitialVolumeSizeSectors, configuration.Remarks); err != nil {
				return util.StatusWrap(err, "Failed to create database")
			}
		}

		allocator := disk.NewTracingAllocator(
			disk.NewMetricsAllocator(manager, clock.SystemClock),
			otel.GetTracerProvider())
		if err := prometheus.Register(disk.NewCacheCollector(manager.Cache())); err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to register cache metrics")
		}

		if configuration.CheckOnStartup {
			result, err := allocator.Check(ctx, configuration.RepairInconsistencies)
			if err != nil {
				return util.StatusWrap(err, "Failed to check consistency")
			}
			for _, problem := range result.Problems {
				log.Print(problem)
			}
			log.Printf("Consistency check result: %s", result.Result)
		}

		// Periodically create checkpoints and check consistency. The
		// volumes are closed once the program shuts down.
		maintenance := disk.NewPeriodicMaintenance(
			manager,
			allocator,
			clock.SystemClock,
			util.DefaultErrorLogger,
			time.Duration(configuration.CheckpointInterval),
			configuration.CheckEveryCheckpoints,
			configuration.RepairInconsistencies)
		siblingsGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			if err := maintenance.Run(ctx, siblingsGroup, dependenciesGroup); err != nil {
				return err
			}
			if err := manager.Close(context.Background()); err != nil {
				return util.StatusWrap(err, "Failed to close volumes")
			}
			return nil
		})

		// Web server for volume status.
		router := mux.NewRouter()
		newVolumeStatusService(manager, allocator, router)
		server := &http.Server{
			Addr:    configuration.HTTPListenAddress,
			Handler: router,
		}
		siblingsGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			<-ctx.Done()
			return server.Close()
		})
		siblingsGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return util.StatusWrap(err, "HTTP server failure")
			}
			return nil
		})

		lifecycleState.MarkReadyAndWait(siblingsGroup)
		return nil
	})
}
