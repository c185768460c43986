package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/credit-meter/internal/repo"
	"github.com/richardliu001/credit-meter/internal/service"
	"go.uber.org/zap"
)

func RegisterHandlers(r *gin.Engine, svc *service.LedgerService, log *zap.SugaredLogger) {
	v1 := r.Group("/v1")
	{
		v1.GET("/echo", APIKeyMiddleware(svc), ChargeCredits(svc, 1, log), echoHandler())
		v1.GET("/balance", APIKeyMiddleware(svc), balanceHandler(svc))
	}
	admin := v1.Group("/admin")
	{
		admin.POST("/wallets", createWalletHandler(svc))
		admin.POST("/wallets/:id/keys", issueKeyHandler(svc))
		admin.POST("/wallets/:id/topup", topUpHandler(svc))
		admin.POST("/wallets/:id/reverse-credits", reverseCreditsHandler(svc))
		admin.GET("/wallets/:id/transactions", transactionsHandler(svc))
	}
}

// echoHandler is the sample metered operation: the work happens between
// reserve and commit in the ChargeCredits middleware.
func echoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "message": "service did its job"})
	}
}

func balanceHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		w := walletFrom(c)
		if w == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "API key required"})
			return
		}
		bal, err := svc.Balance(c, w.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"wallet": w.Name, "balance": bal})
	}
}

type createWalletReq struct {
	Name           string `json:"name" binding:"required"`
	InitialBalance int64  `json:"initial_balance"`
}

func createWalletHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createWalletReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := svc.CreateWallet(c, req.Name, req.InitialBalance)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": w.ID, "name": w.Name, "balance": w.Balance})
	}
}

type issueKeyReq struct {
	Label string `json:"label"`
}

func issueKeyHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueKeyReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		k, err := svc.IssueAPIKey(c, id, req.Label)
		if err != nil {
			if errors.Is(err, repo.ErrWalletNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": k.ID, "key": k.Key, "label": k.Label})
	}
}

type amountReq struct {
	Amount int64  `json:"amount" binding:"required"`
	Note   string `json:"note"`
}

func topUpHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		note := req.Note
		if note == "" {
			note = "top-up"
		}
		tx, err := svc.TopUp(c, id, req.Amount, note)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tx_id": tx.ID, "delta": tx.Delta})
	}
}

func reverseCreditsHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		note := req.Note
		if note == "" {
			note = "admin-reversal"
		}
		tx, err := svc.ReverseCredits(c, id, req.Amount, note)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tx_id": tx.ID, "delta": tx.Delta})
	}
}

func transactionsHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		txs, err := svc.History(c, id, limit, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func writeLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repo.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"detail": "insufficient credits"})
	case errors.Is(err, repo.ErrWalletNotFound), errors.Is(err, repo.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
