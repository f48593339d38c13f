package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/tnqbao/gau-upload-service/http/controller"
	middlewares "github.com/tnqbao/gau-upload-service/http/middleware"
)

func SetupRouter(ctrl *controller.Controller) *gin.Engine {
	r := gin.Default()
	middles, err := middlewares.NewMiddlewares(ctrl)
	if err != nil {
		panic(err)
	}

	r.Use(middles.CORSMiddleware)

	r.GET("/api/healthcheck", ctrl.HealthCheck)

	apiRoutes := r.Group("/api/v1/upload")
	{
		apiRoutes.POST("/chunks", ctrl.ReceiveChunk)
		apiRoutes.POST("/assemble", ctrl.AssembleChunks)
		apiRoutes.GET("/sessions", ctrl.ListSessions)
		apiRoutes.GET("/:session_id/progress", ctrl.GetUploadProgress)
		apiRoutes.DELETE("/:session_id", ctrl.AbortUpload)
	}

	return r
}
