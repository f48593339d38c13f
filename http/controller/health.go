package controller

import (
	"github.com/gin-gonic/gin"
	"github.com/tnqbao/gau-upload-service/utils"
)

// HealthCheck reports liveness plus the health of the storage backend.
func (ctrl *Controller) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	if ctrl.Infra.Minio != nil {
		if err := ctrl.Infra.Minio.HealthCheck(ctx); err != nil {
			ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Health] Storage backend unhealthy: %v", err)
			utils.JSON500(c, "storage backend unhealthy")
			return
		}
	}

	utils.JSON200(c, gin.H{"message": "Up and running"})
}
