package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Routes groups the handlers mounted on the engine.
type Routes struct {
	APIPrefix string
	Auth      *AuthHandler
	User      *UserHandler
	Metrics   *MetricsHandler
	// Guard authenticates requests to protected routes.
	Guard gin.HandlerFunc
}

// Register mounts every route on r.
func (rt Routes) Register(r gin.IRouter) {
	if rt.Metrics != nil {
		r.GET("/health", rt.Metrics.Health)
		r.GET("/ready", rt.Metrics.Ready)
		r.GET("/metrics", rt.Metrics.Prometheus)
	}

	api := r.Group("/" + strings.Trim(rt.APIPrefix, "/"))

	auth := api.Group("/auth")
	auth.POST("/login", rt.Auth.Login)
	auth.POST("/refresh", rt.Auth.Refresh)
	auth.POST("/logout", rt.Auth.Logout)

	user := api.Group("/user", rt.Guard)
	user.GET("/profile", rt.User.Profile)
}
