package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/phillus33/notification-status-worker/internal/notification"
	"github.com/phillus33/notification-status-worker/internal/queue"
	"github.com/phillus33/notification-status-worker/pkg/notify"
	"github.com/sirupsen/logrus"
)

const acceptedMessage = "notification accepted and will be processed asynchronously"

type handlers struct {
	submitter Submitter
	query     StatusQuery
	now       func() time.Time
	logger    logrus.FieldLogger
}

type statusResponse struct {
	MessageID string               `json:"mensagemId"`
	Status    notification.Outcome `json:"status"`
	Timestamp string               `json:"timestamp"`
}

func (h *handlers) timestamp() string {
	return notification.FormatTimestamp(h.now())
}

func abortWithError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{
		"statusCode": code,
		"message":    message,
		"error":      http.StatusText(code),
	})
}

func (h *handlers) submit(c *gin.Context) {
	var req notify.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		abortWithError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	receipt, err := h.submitter.Submit(c.Request.Context(), req.MessageID, req.Content)
	switch {
	case err == nil:
	case notification.IsValidation(err):
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, queue.ErrNotConnected):
		_ = c.Error(err)
		abortWithError(c, http.StatusServiceUnavailable, "message broker is not available")
		return
	case errors.Is(err, queue.ErrDuplicate):
		abortWithError(c, http.StatusConflict, "notification already submitted for mensagemId: "+req.MessageID)
		return
	default:
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "failed to enqueue notification")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":     "accepted",
		"message":    acceptedMessage,
		"mensagemId": receipt.MessageID,
		"timestamp":  notification.FormatTimestamp(receipt.Timestamp),
	})
}

func (h *handlers) status(c *gin.Context) {
	id := c.Param("mensagemId")
	report, err := h.query.Status(c.Request.Context(), id)
	if errors.Is(err, notification.ErrStatusNotFound) {
		abortWithError(c, http.StatusNotFound, "status not found for mensagemId: "+id)
		return
	}
	if err != nil {
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "failed to read status")
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		MessageID: report.MessageID,
		Status:    report.Outcome,
		Timestamp: h.timestamp(),
	})
}

func (h *handlers) allStatus(c *gin.Context) {
	summary, err := h.query.AllStatus(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "failed to read status")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     summary.Total,
		"status":    summary.Status,
		"timestamp": h.timestamp(),
	})
}

func (h *handlers) notifications(c *gin.Context) {
	list, err := h.query.Notifications(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "failed to read notifications")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":         list.Total,
		"notifications": list.Notifications,
		"timestamp":     h.timestamp(),
	})
}
