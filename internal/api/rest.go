// Package api exposes Hoard over HTTP: the REST controllers, the activity
// websocket, and the health endpoint.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kjmarlow/hoard/internal/api/downloads"
	"github.com/kjmarlow/hoard/internal/api/platforms"
	"github.com/kjmarlow/hoard/internal/api/statistics"
	"github.com/kjmarlow/hoard/internal/http/websocket"
	"github.com/kjmarlow/hoard/pkg/logger"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	dbPinger interface {
		Ping() error
	}

	// RestGateway is a thin wrapper around the Echo router: it registers
	// the controller routes, manages the activity websocket, and serves
	// the health endpoint.
	RestGateway struct {
		*broadcaster
		config               *RestConfig
		ec                   *echo.Echo
		socket               *websocket.SocketHub
		db                   dbPinger
		startedAt            time.Time
		downloadsController  controller
		platformsController  controller
		statisticsController controller
	}
)

func NewRestGateway(
	config *RestConfig,
	downloadService downloads.Service,
	resolver downloads.Resolver,
	platformService platforms.Service,
	statsService statistics.Service,
	db dbPinger,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:          newBroadcaster(socket, downloadService),
		config:               config,
		ec:                   ec,
		socket:               socket,
		db:                   db,
		startedAt:            time.Now(),
		downloadsController:  downloads.New(validate, downloadService, resolver),
		platformsController:  platforms.New(platformService),
		statisticsController: statistics.New(statsService),
	}

	socket.WithConnectionCallback(gateway.connectionPayload)
	socket.BindCommand("DOWNLOAD_STATE", gateway.socketDownloadState)

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/api/hoard/v1/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	ec.GET("/api/hoard/v1/health/", gateway.health)

	gateway.downloadsController.SetRoutes(ec.Group("/api/hoard/v1/downloads"))
	gateway.platformsController.SetRoutes(ec.Group("/api/hoard/v1/platforms"))
	gateway.statisticsController.SetRoutes(ec.Group("/api/hoard/v1/stats"))

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Parent context cancellation is a normal shutdown, not an error.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

func (gateway *RestGateway) health(ec echo.Context) error {
	overall, database := "ok", "up"
	status := http.StatusOK
	if err := gateway.db.Ping(); err != nil {
		overall, database = "degraded", "down"
		status = http.StatusServiceUnavailable
	}

	return ec.JSON(status, map[string]any{
		"status":         overall,
		"database":       database,
		"uptime_seconds": int(time.Since(gateway.startedAt).Seconds()),
	})
}
