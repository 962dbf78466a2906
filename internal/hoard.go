package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kjmarlow/hoard/internal/api"
	"github.com/kjmarlow/hoard/internal/artifact"
	"github.com/kjmarlow/hoard/internal/database"
	"github.com/kjmarlow/hoard/internal/download"
	"github.com/kjmarlow/hoard/internal/event"
	"github.com/kjmarlow/hoard/internal/extractor"
	"github.com/kjmarlow/hoard/internal/janitor"
	"github.com/kjmarlow/hoard/internal/platform"
	"github.com/kjmarlow/hoard/internal/stats"
	"github.com/kjmarlow/hoard/pkg/docker"
	"github.com/kjmarlow/hoard/pkg/logger"
)

var log = logger.Get("Core")

// Grace period on top of the transfer timeout before a leased queue entry
// becomes visible to other workers again.
const leaseGracePeriod = time.Minute * 5

type RunnableService interface {
	Run(context.Context) error
}

// Hoard represents the top-level object for the server, and is responsible
// for initialising embedded support services, stores, event handling,
// et cetera...
type hoardImpl struct {
	eventBus      event.EventCoordinator
	config        HoardConfig
	dockerManager docker.DockerManager

	jobStore      *download.Store
	platformStore *platform.Store
	statsStore    *stats.Store
}

func New(config HoardConfig) *hoardImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Hoard services using config: %#v\n", config)
	return &hoardImpl{
		eventBus:      event.New(),
		config:        config,
		jobStore:      &download.Store{},
		platformStore: &platform.Store{},
		statsStore:    &stats.Store{},
	}
}

// Run will start all of Hoard by bringing up all required services and
// connections, such as:
// - Docker services
// - Database connection
// - Service instances
//
// This function will not return until Hoard is stopped. To stop Hoard, the
// provided context must be cancelled. Errors from which Hoard cannot
// recover will also cause it to stop.
func (hoard *hoardImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	if err := hoard.initialiseDockerServices(ctx, crashHandler); err != nil {
		return err
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	db := database.New()
	if err := db.Connect(hoard.config.Database); err != nil {
		return err
	}

	// The resolver is seeded from the platform table, so it cannot exist
	// until migrations have run.
	platforms, err := hoard.platformStore.GetAll(db.GetSqlxDb())
	if err != nil {
		return fmt.Errorf("failed to load platforms: %w", err)
	}
	resolver, err := platform.NewResolver(platforms)
	if err != nil {
		return err
	}

	artifacts, err := artifact.NewStore(hoard.config.getOutputDir())
	if err != nil {
		return fmt.Errorf("failed to initialise artifact store: %w", err)
	}
	mediaExtractor, err := extractor.NewYtDlpExtractor(hoard.config.getStagingDir())
	if err != nil {
		return fmt.Errorf("failed to initialise media extractor: %w", err)
	}

	transferTimeout := time.Duration(hoard.config.Downloads.TransferTimeoutMinutes) * time.Minute
	queue := download.NewQueue(transferTimeout + leaseGracePeriod)

	downloadService := download.New(
		hoard.config.Downloads, db, hoard.jobStore, queue,
		resolver, mediaExtractor, artifacts, hoard.eventBus,
	)

	aggregator := stats.NewAggregator(hoard.jobStore, hoard.statsStore)
	janitorService := janitor.New(hoard.config.Janitor, db, hoard.jobStore, artifacts, aggregator)

	restGateway := api.NewRestGateway(
		&hoard.config.Api,
		downloadService,
		resolver,
		platform.NewService(db, hoard.platformStore),
		stats.NewService(db, hoard.statsStore),
		db,
	)
	activityService := newActivityService(restGateway, hoard.eventBus)

	wg := &sync.WaitGroup{}
	hoard.spawnAsyncService(ctx, wg, downloadService, "download-service", crashHandler)
	hoard.spawnAsyncService(ctx, wg, janitorService, "janitor-service", crashHandler)
	hoard.spawnAsyncService(ctx, wg, restGateway, "rest-gateway", crashHandler)
	hoard.spawnAsyncService(ctx, wg, activityService, "activity-service", crashHandler)
	log.Emit(logger.SUCCESS, "Hoard services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as its own
// go-routine, ensuring that the service waitgroup is updated correctly
func (hoard *hoardImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}

// initialiseDockerServices brings up the embedded Postgres container when
// the configuration asks for one.
func (hoard *hoardImpl) initialiseDockerServices(ctx context.Context, crashHandler func(string, error)) error {
	if !hoard.config.Services.EnablePostgres {
		return nil
	}

	log.Emit(logger.NEW, "Initialising embedded database...\n")
	manager, err := docker.NewDockerManager()
	if err != nil {
		return err
	}
	hoard.dockerManager = manager

	go func() {
		<-ctx.Done()
		manager.Shutdown(time.Second * 10)
	}()

	if _, err := database.InitialiseDockerDatabase(
		ctx,
		manager,
		hoard.config.Database,
		func(err error) { crashHandler("docker-postgres", err) },
	); err != nil {
		return err
	}

	return nil
}
