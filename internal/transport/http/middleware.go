package http

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/credit-meter/internal/model"
	"github.com/richardliu001/credit-meter/internal/repo"
	"github.com/richardliu001/credit-meter/internal/service"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const walletContextKey = "wallet"

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s %d %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// RateLimitMiddleware simple token bucket per IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// APIKeyMiddleware resolves the X-API-Key header to a wallet and stores
// it in the request context. An invalid or missing key just leaves the
// wallet unset; handlers that need one reject with 401.
func APIKeyMiddleware(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			if w, err := svc.WalletByAPIKey(c, key); err == nil {
				c.Set(walletContextKey, w)
			}
		}
		c.Next()
	}
}

func walletFrom(c *gin.Context) *model.Wallet {
	v, ok := c.Get(walletContextKey)
	if !ok {
		return nil
	}
	w, _ := v.(*model.Wallet)
	return w
}

// ChargeCredits wraps a handler in the reserve/commit-or-reverse
// protocol: cost credits are reserved before the handler runs, the
// reservation is committed when the response status is below 400 and
// reversed otherwise. The Idempotency-Key header, when present, makes
// retried requests charge at most once.
func ChargeCredits(svc *service.LedgerService, cost int64, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		w := walletFrom(c)
		if w == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "API key required"})
			return
		}

		tx, _, err := svc.Reserve(c, w.ID, cost, service.NewRequestID(), c.GetHeader("Idempotency-Key"), "api-request")
		if err != nil {
			if errors.Is(err, repo.ErrInsufficientFunds) {
				c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"detail": "insufficient credits"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		reverse := func(reason string) {
			if _, err := svc.Reverse(c, tx.ID, reason); err != nil && !errors.Is(err, service.ErrInvalidTransition) {
				log.Errorf("reverse tx %d: %v", tx.ID, err)
			}
		}

		defer func() {
			if r := recover(); r != nil {
				reverse("panic")
				panic(r)
			}
		}()

		c.Next()

		if status := c.Writer.Status(); status < 400 {
			if _, err := svc.CommitWithRetry(c, tx.ID); err != nil {
				log.Errorf("commit tx %d: %v", tx.ID, err)
			}
		} else {
			reverse(fmt.Sprintf("http %d", status))
		}
	}
}
