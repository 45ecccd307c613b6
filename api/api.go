package api

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/gantryio/gantry"
	"github.com/gantryio/gantry/api/middleware"
	"github.com/gantryio/gantry/config"
)

type Api struct {
	gantry *gantry.Gantry
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/negotiations", a.CreateNegotiation)
	router.GET("/negotiations/:id", a.GetNegotiation)
	router.GET("/negotiations", a.GetAllNegotiations)
	router.POST("/negotiations/:id/commands", a.SubmitNegotiationCommand)

	router.POST("/transfers", a.CreateTransfer)
	router.GET("/transfers/:id", a.GetTransfer)
	router.GET("/transfers", a.GetAllTransfers)
	router.POST("/transfers/:id/commands", a.SubmitTransferCommand)

	router.POST("/monitors", a.CreateMonitor)
	router.GET("/monitors/:id", a.GetMonitor)
	router.GET("/monitors", a.GetAllMonitors)

	return a.router
}

func NewAPI(g *gantry.Gantry) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{gantry: g, router: r}
}
