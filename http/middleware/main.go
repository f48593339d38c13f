package middlewares

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tnqbao/gau-upload-service/config"
	"github.com/tnqbao/gau-upload-service/http/controller"
)

type Middlewares struct {
	CORSMiddleware gin.HandlerFunc
}

func NewMiddlewares(ctrl *controller.Controller) (*Middlewares, error) {
	corsMiddleware := CORSMiddleware(ctrl.Config.EnvConfig)

	return &Middlewares{
		CORSMiddleware: corsMiddleware,
	}, nil
}

func CORSMiddleware(cfg *config.EnvConfig) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	if cfg.CORS.AllowDomains == "" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		var origins []string
		for _, domain := range strings.Split(cfg.CORS.AllowDomains, ",") {
			domain = strings.TrimSpace(domain)
			if domain == "" {
				continue
			}
			if !strings.HasPrefix(domain, "http://") && !strings.HasPrefix(domain, "https://") {
				domain = "https://" + domain
			}
			origins = append(origins, domain)
		}
		corsConfig.AllowOrigins = origins
	}

	return cors.New(corsConfig)
}
