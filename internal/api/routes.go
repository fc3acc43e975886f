// Package api exposes the reconciliation façade over HTTP. The adapter is
// deliberately thin: it parses request parameters, delegates to the service
// and maps the envelope's error kind to a status code.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/reconciler"
	"invoice-reconciliation-engine/internal/store"
)

// Handler holds the dependencies of the HTTP surface.
type Handler struct {
	service *reconciler.Service
	log     logger.Logger
}

// SetupRouter builds the gin engine with all routes registered.
func SetupRouter(service *reconciler.Service, log logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	h := &Handler{service: service, log: log.WithComponent("api")}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/health", h.handleHealth)

	rec := r.Group("/reconciliation")
	{
		rec.GET("/suggestions/1-to-1", h.handleSuggestions1to1)
		rec.GET("/suggestions/n-to-m", h.handleSuggestionsNtoM)
		rec.GET("/links", h.handleListLinks)
		rec.POST("/apply", h.handleApply)
		rec.POST("/apply-batch", h.handleApplyBatch)
		rec.POST("/auto", h.handleAuto)
		rec.POST("/validate", h.handleValidate)
		rec.DELETE("/by-invoice/:id", h.handleUndoByInvoice)
		rec.DELETE("/by-transaction/:id", h.handleUndoByTransaction)
		rec.POST("/recompute", h.handleRecompute)
	}

	tx := r.Group("/transactions")
	{
		tx.POST("/:id/ignore", h.handleIgnore)
		tx.POST("/:id/unignore", h.handleUnignore)
	}

	return r
}

// requestLogger tags every request with an id and logs its outcome.
func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		h.log.WithFields(logger.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		}).Info("request handled")
	}
}

// respond writes the envelope with the status its error kind maps to.
func (h *Handler) respond(c *gin.Context, env reconciler.Envelope) {
	c.JSON(statusFor(env), env)
}

func statusFor(env reconciler.Envelope) int {
	if env.Success {
		return http.StatusOK
	}
	if env.Error == nil {
		return http.StatusInternalServerError
	}
	switch apperrors.Kind(env.Error.Kind) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleSuggestions1to1(c *gin.Context) {
	invoiceID := queryInt64(c, "invoice_id")
	transactionID := queryInt64(c, "transaction_id")
	counterpartyID := queryInt64Ptr(c, "counterparty_id")
	h.respond(c, h.service.Suggestions1to1(c.Request.Context(), invoiceID, transactionID, counterpartyID))
}

func (h *Handler) handleSuggestionsNtoM(c *gin.Context) {
	transactionID := queryInt64(c, "transaction_id")
	counterpartyID := queryInt64Ptr(c, "counterparty_id")
	maxSize := int(queryInt64(c, "max_combination_size"))
	budget := time.Duration(queryInt64(c, "budget_ms")) * time.Millisecond
	h.respond(c, h.service.SuggestionsNtoM(c.Request.Context(), transactionID, counterpartyID, maxSize, budget))
}

func (h *Handler) handleListLinks(c *gin.Context) {
	filter := store.LinkFilter{
		InvoiceID:     queryInt64(c, "invoice_id"),
		TransactionID: queryInt64(c, "transaction_id"),
		Limit:         int(queryInt64(c, "limit")),
	}
	h.respond(c, h.service.ListLinks(c.Request.Context(), filter))
}

func (h *Handler) handleApply(c *gin.Context) {
	var req reconciler.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	h.respond(c, h.service.ApplyMatch(c.Request.Context(), req))
}

func (h *Handler) handleApplyBatch(c *gin.Context) {
	var reqs []reconciler.MatchRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		h.badRequest(c, "invalid request body: expected an array of matches")
		return
	}
	h.respond(c, h.service.ApplyBatch(c.Request.Context(), reqs))
}

func (h *Handler) handleAuto(c *gin.Context) {
	var req struct {
		TransactionIDs []int64 `json:"transaction_ids"`
		InvoiceIDs     []int64 `json:"invoice_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	h.respond(c, h.service.AutoReconcile(c.Request.Context(), req.TransactionIDs, req.InvoiceIDs))
}

func (h *Handler) handleValidate(c *gin.Context) {
	var req reconciler.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	h.respond(c, h.service.ValidateMatch(c.Request.Context(), req))
}

func (h *Handler) handleIgnore(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.respond(c, h.service.IgnoreTransaction(c.Request.Context(), id))
}

func (h *Handler) handleUnignore(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.respond(c, h.service.UnignoreTransaction(c.Request.Context(), id))
}

func (h *Handler) handleUndoByInvoice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.respond(c, h.service.UndoByInvoice(c.Request.Context(), id))
}

func (h *Handler) handleUndoByTransaction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.respond(c, h.service.UndoByTransaction(c.Request.Context(), id))
}

func (h *Handler) handleRecompute(c *gin.Context) {
	h.respond(c, h.service.Recompute(c.Request.Context()))
}

func (h *Handler) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, reconciler.Envelope{
		Success: false,
		Message: message,
		Error: &reconciler.ErrorBody{
			Kind:    string(apperrors.KindValidation),
			Code:    string(apperrors.CodeInvalidInput),
			Message: message,
		},
	})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, reconciler.Envelope{
			Success: false,
			Message: "invalid id",
			Error: &reconciler.ErrorBody{
				Kind:    string(apperrors.KindValidation),
				Code:    string(apperrors.CodeInvalidInput),
				Message: "invalid id",
			},
		})
		return 0, false
	}
	return id, true
}

func queryInt64(c *gin.Context, name string) int64 {
	v, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func queryInt64Ptr(c *gin.Context, name string) *int64 {
	if v := queryInt64(c, name); v != 0 {
		return &v
	}
	return nil
}
