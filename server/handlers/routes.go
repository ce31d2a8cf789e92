package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/san-kum/drive-score/server/middleware"
)

// Routes carries everything RegisterRoutes mounts. Metrics and Auth may be
// nil, which leaves /metrics and the admin group unmounted.
type Routes struct {
	Trips          *TripHandler
	WebSocket      *WebSocketHandler
	RateLimiter    *middleware.RateLimiter
	Auth           *middleware.AuthMiddleware
	Metrics        http.Handler
	RequestTimeout time.Duration
	BatchLimitRPS  int
	BatchBurst     int
}

func RegisterRoutes(router *gin.Engine, r Routes) {
	router.GET("/health", middleware.HealthCheck())
	if r.Metrics != nil {
		router.GET("/metrics", gin.WrapH(r.Metrics))
	}

	// The websocket outlives any request timeout.
	router.GET("/ws", r.RateLimiter.RateLimit(), r.WebSocket.HandleWebSocket)

	api := router.Group("/api")
	api.GET("/health", middleware.HealthCheck())

	v := api.Group("")
	if r.RequestTimeout > 0 {
		v.Use(middleware.TimeoutHandler(r.RequestTimeout))
	}
	v.Use(middleware.JSONContentType())
	{
		trips := v.Group("/trips")
		trips.Use(r.RateLimiter.RateLimit())
		trips.GET("", r.Trips.ListTrips)
		trips.POST("", r.Trips.StartTrip)
		trips.GET("/:id", r.Trips.GetTrip)
		trips.PUT("/:id", r.Trips.EndTrip)
		trips.POST("/:id/data", r.Trips.AddSample)
		trips.GET("/:id/scores", r.Trips.GetScores)
		trips.GET("/:id/analysis", r.Trips.GetAnalysis)

		batch := v.Group("/trips")
		batch.Use(r.RateLimiter.RateLimitWithConfig(r.BatchLimitRPS, r.BatchBurst))
		batch.POST("/:id/data/batch", r.Trips.AddSampleBatch)

		v.GET("/stats", r.RateLimiter.RateLimit(), r.Trips.GetStats)

		if r.Auth != nil {
			admin := v.Group("/admin")
			admin.Use(r.Auth.RequireAuth())
			admin.Use(r.Auth.RequireRole("admin"))
			{
				admin.DELETE("/trips/:id", r.Trips.DeleteTrip)
				admin.GET("/model", r.Trips.GetModelInfo)
			}
		}
	}
}
