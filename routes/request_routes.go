package routes

import (
	handlers "gotow/internal/handlers/shared"
	"gotow/internal/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRequestRoutes sets up the request lifecycle endpoints
func SetupRequestRoutes(r *gin.RouterGroup, requestHandler *handlers.RequestHandler, jwtSecret string) {
	requests := r.Group("/requests")
	requests.Use(middleware.AuthRequired(jwtSecret))
	{
		requests.POST("", middleware.ClientRequired(), requestHandler.CreateRequest)
		requests.GET("/open", middleware.DriverRequired(), requestHandler.ListOpenRequests)
		requests.GET("/:id", requestHandler.GetRequest)

		requests.POST("/:id/quotes", middleware.DriverRequired(), requestHandler.SubmitQuote)
		requests.POST("/:id/accept", middleware.ClientRequired(), requestHandler.AcceptQuote)
		requests.POST("/:id/cancel", requestHandler.CancelRequest)
		requests.POST("/:id/complete", middleware.DriverRequired(), requestHandler.CompleteRequest)
	}
}

// SetupDriverRoutes sets up the driver availability endpoints
func SetupDriverRoutes(r *gin.RouterGroup, driverHandler *handlers.DriverHandler, jwtSecret string) {
	drivers := r.Group("/drivers/me")
	drivers.Use(middleware.AuthRequired(jwtSecret), middleware.DriverRequired())
	{
		drivers.GET("/availability", driverHandler.GetAvailability)
		drivers.PUT("/availability", driverHandler.SetAvailability)
	}
}

// SetupAuthRoutes exposes the development token endpoint
func SetupAuthRoutes(r *gin.RouterGroup, authHandler *handlers.AuthHandler) {
	r.POST("/auth/dev-token", authHandler.IssueDevToken)
}
