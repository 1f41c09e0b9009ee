package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qrguard/internal/validation"
)

// Handler provides HTTP endpoints for the gateway.
type Handler struct {
	service *Service
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the scan routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/scan", h.Scan)
	r.POST("/scan/batch", h.ScanBatch)
}

// scanBody accepts "qr_text" as an alias for "text".
type scanBody struct {
	Text   string `json:"text"`
	QRText string `json:"qr_text"`
}

func (b scanBody) payload() string {
	if b.Text != "" {
		return b.Text
	}
	return b.QRText
}

type batchBody struct {
	Texts []string `json:"texts"`
}

// Scan handles POST /v1/scan
func (h *Handler) Scan(c *gin.Context) {
	var body scanBody
	if err := c.ShouldBindJSON(&body); err != nil {
		bindError(c, err)
		return
	}

	verdict, err := h.service.Assess(c.Request.Context(), ScanRequest{Text: body.payload()})
	if err != nil {
		clientError(c, err)
		return
	}

	c.JSON(http.StatusOK, verdict)
}

// ScanBatch handles POST /v1/scan/batch
func (h *Handler) ScanBatch(c *gin.Context) {
	var body batchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		bindError(c, err)
		return
	}

	results, err := h.service.AssessBatch(c.Request.Context(), body.Texts)
	if err != nil {
		clientError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

func bindError(c *gin.Context, err error) {
	if validation.IsBodyTooLarge(err) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "Request body too large",
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Request body must be a JSON object",
	})
}

func clientError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrBatchTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	c.JSON(status, gin.H{
		"error":   ErrorCode(err),
		"message": err.Error(),
	})
}
