package api

import (
	"net/http"

	"github.com/eeveon/eeveon/internal/config"
	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/eeveon/eeveon/internal/deploy/service"
	"github.com/eeveon/eeveon/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Api struct {
	service *service.Service
	router  *gin.Engine
}

func NewApi(svc *service.Service, cfg *config.Config, router *gin.Engine) (*Api, error) {
	api := &Api{
		service: svc,
		router:  router,
	}
	api.setupRouters(router, cfg)
	return api, nil
}

func (api *Api) setupRouters(router *gin.Engine, cfg *config.Config) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", middleware.Authentication(&cfg.Auth))

	// Read surface.
	v1.GET("/projects/:projectID/status", api.GetStatus)
	v1.GET("/projects/:projectID/history", api.GetHistory)
	v1.GET("/projects/:projectID/attempts/:attemptID", api.GetAttempt)

	// Mutations. Per-project required roles are enforced again by the
	// service; deployer is the floor for all of them.
	deployer := v1.Group("", middleware.RequireRole(model.RoleDeployer))
	deployer.POST("/projects/:projectID/releases", api.PostRelease)
	deployer.POST("/projects/:projectID/deployments", api.PostDeployment)
	deployer.POST("/projects/:projectID/rollback", api.PostRollback)
	deployer.POST("/projects/:projectID/seed", api.PostSeed)
	deployer.POST("/projects/:projectID/abort", api.PostAbort)
	deployer.POST("/approvals/:approvalID/approve", api.PostApprove)
	deployer.POST("/approvals/:approvalID/reject", api.PostReject)
}
