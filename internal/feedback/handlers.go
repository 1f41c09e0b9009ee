package feedback

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qrguard/internal/validation"
)

// Handler provides HTTP endpoints for feedback.
type Handler struct {
	forwarder       *Forwarder
	maxPayloadChars int
}

// NewHandler creates a feedback handler. Texts longer than maxPayloadChars
// are rejected.
func NewHandler(forwarder *Forwarder, maxPayloadChars int) *Handler {
	return &Handler{forwarder: forwarder, maxPayloadChars: maxPayloadChars}
}

// RegisterRoutes sets up the feedback route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/feedback", h.Submit)
}

type submitBody struct {
	Text   string `json:"text"`
	QRText string `json:"qr_text"`
	IsScam *bool  `json:"is_scam"`
	Reason string `json:"reason"`
}

// Submit handles POST /v1/feedback. Valid input always gets 200; the
// forwarding outcome is in the body.
func (h *Handler) Submit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		status := http.StatusBadRequest
		code := "invalid_request"
		if validation.IsBodyTooLarge(err) {
			status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
		}
		c.JSON(status, gin.H{"error": code, "message": "Request body must be a JSON object"})
		return
	}

	text := body.Text
	if text == "" {
		text = body.QRText
	}

	if errs := validation.Validate(
		validation.Required("text", text),
		validation.MaxLength("text", text, h.maxPayloadChars),
		validation.MaxLength("reason", body.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if body.IsScam == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "is_scam: is required",
		})
		return
	}

	res := h.forwarder.Submit(c.Request.Context(), Event{
		Text:   text,
		IsScam: *body.IsScam,
		Reason: validation.SanitizeString(body.Reason, validation.MaxReasonLength),
	})
	c.JSON(http.StatusOK, res)
}
