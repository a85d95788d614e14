package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rezonia/peppol-connector/internal/lifecycle"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
)

func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, err)
		return
	}
	if !req.DocumentType.Valid() {
		s.abort(c, http.StatusBadRequest, model.NewValidationError("document_type", req.DocumentType, "enum", "must be invoice or credit_note"))
		return
	}

	res, err := s.svc.SendDocument(c.Request.Context(), req.DocumentType, req.InvoiceID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(resultStatus(res), ResultResponse{Result: res, Timestamp: timestamp()})
}

func (s *Server) handleBulkSend(c *gin.Context) {
	var req BulkSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, err)
		return
	}
	if !req.DocumentType.Valid() {
		s.abort(c, http.StatusBadRequest, model.NewValidationError("document_type", req.DocumentType, "enum", "must be invoice or credit_note"))
		return
	}

	res, err := s.svc.BulkSend(c.Request.Context(), req.DocumentType, req.InvoiceIDs)
	if err != nil && res == nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, BatchResponse{BatchResult: res, Timestamp: timestamp()})
}

func (s *Server) handleGetDocument(c *gin.Context) {
	id, ok := s.documentID(c)
	if !ok {
		return
	}
	doc, err := s.svc.Document(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	history, err := s.svc.History(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, DocumentResponse{Document: doc, History: history})
}

func (s *Server) handleResponse(c *gin.Context) {
	id, ok := s.documentID(c)
	if !ok {
		return
	}
	var req ResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, err)
		return
	}

	res, err := s.svc.MarkDocumentStatus(c.Request.Context(), lifecycle.ResponseRequest{
		DocumentID:     id,
		Status:         req.Status,
		Note:           req.Note,
		Clarifications: req.Clarifications,
		EffectiveDate:  req.EffectiveDate,
		StaffID:        req.StaffID,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(resultStatus(res), ResultResponse{Result: res, Timestamp: timestamp()})
}

func (s *Server) handleExpense(c *gin.Context) {
	id, ok := s.documentID(c)
	if !ok {
		return
	}
	res, err := s.svc.CreateExpenseFromDocument(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(resultStatus(res), ResultResponse{Result: res, Timestamp: timestamp()})
}

func (s *Server) handleTestConnection(c *gin.Context) {
	var req TestConnectionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.abort(c, http.StatusBadRequest, err)
			return
		}
	}
	env := req.Environment
	if env == "" {
		env = c.DefaultQuery("environment", provider.EnvSandbox)
	}

	res, err := s.svc.TestConnection(c.Request.Context(), c.Param("key"), env)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

func (s *Server) documentID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		s.abort(c, http.StatusBadRequest, model.NewValidationError("id", c.Param("id"), "format", "must be a positive integer"))
		return 0, false
	}
	return uint(id), true
}

// resultStatus maps an expected lifecycle outcome onto an HTTP status.
// A skip that did not succeed means another worker holds the document.
func resultStatus(res *lifecycle.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Skipped:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

// fail maps an unexpected error onto an HTTP status
func (s *Server) fail(c *gin.Context, err error) {
	s.abort(c, errorStatus(err), err)
}

func (s *Server) abort(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "request_id", GetRequestID(c), "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Success:   false,
		Error:     err.Error(),
		RequestID: GetRequestID(c),
		Timestamp: timestamp(),
	})
}

func errorStatus(err error) int {
	var notFound *model.NotFoundError
	var validation *model.ValidationError
	var configuration *model.ConfigurationError
	var registry *provider.RegistryError
	var auth *model.AuthenticationError
	var transport *model.TransportError
	var rejected *model.VendorRejectedError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &registry):
		if registry.Code == provider.ErrCodeProviderNotFound {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case errors.As(err, &configuration):
		return http.StatusConflict
	case errors.As(err, &auth), errors.As(err, &transport), errors.As(err, &rejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
