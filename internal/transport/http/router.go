package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/credit-meter/internal/config"
	"github.com/richardliu001/credit-meter/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.LedgerService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, log)
	return r
}
