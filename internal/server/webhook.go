package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rezonia/peppol-connector/internal/lifecycle"
	"github.com/rezonia/peppol-connector/internal/logger"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/signature"
)

// handleWebhook accepts a vendor callback addressed by the provider path
// segment or the provider query parameter. The raw body and headers are
// handed to the provider untouched so signatures can be checked.
func (s *Server) handleWebhook(c *gin.Context) {
	key := c.Param("provider")
	if key == "" {
		key = c.Query("provider")
	}

	body, ok := s.readBody(c)
	if !ok {
		return
	}

	ctx := logger.WithProvider(c.Request.Context(), key)
	res, err := s.svc.HandleWebhook(ctx, key, body, c.Request.Header, c.Request.URL.Query())
	if err != nil {
		status := webhookStatus(err)
		log := logger.FromContext(ctx, s.logger)
		if status >= http.StatusInternalServerError {
			log.Error("webhook failed", "error", err)
		} else {
			log.Warn("webhook refused", "status", status, "error", err)
		}
		c.JSON(status, WebhookResponse{Success: false, Error: err.Error(), Timestamp: timestamp()})
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{Success: res.Success, Message: res.Message, Timestamp: timestamp()})
}

func webhookStatus(err error) int {
	var unknown *lifecycle.UnknownProviderError
	var sigErr *signature.SignatureError
	var parseErr *model.ParseError
	switch {
	case errors.As(err, &unknown):
		return http.StatusBadRequest
	case errors.As(err, &sigErr):
		return http.StatusUnauthorized
	case errors.As(err, &parseErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
