package api

import (
	"log/slog"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/bitlair/Print-manager/internal/api/handlers"
	"github.com/bitlair/Print-manager/internal/api/middleware"
)

type RouterDeps struct {
	Printers  handlers.PrinterFleet
	Payments  handlers.PaymentStore
	DB        handlers.Pinger
	Hub       *Hub
	StaticDir string
	Logger    *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(deps.Logger))

	health := handlers.NewHealthHandler(deps.DB, deps.Hub.Sessions)
	router.GET("/healthz", health.Health)
	router.GET("/ws", deps.Hub.ServeWS)

	apiGroup := router.Group("/api")
	handlers.RegisterPrinterRoutes(apiGroup, handlers.NewPrinterHandler(deps.Printers))
	handlers.RegisterPaymentRoutes(apiGroup, handlers.NewPaymentHandler(deps.Payments))

	if deps.StaticDir != "" {
		router.Static("/ui", deps.StaticDir)
		router.GET("/", func(c *gin.Context) {
			c.File(filepath.Join(deps.StaticDir, "index.html"))
		})
	}

	return router
}
