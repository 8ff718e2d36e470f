// Package httpapi exposes saga submission and inspection over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortressi/sagaflow"
)

// Service is the part of the worker the API drives.
type Service interface {
	Enqueue(ctx context.Context, sagaType string, inputs map[string]any, opts sagaflow.SagaOptions) (string, error)
	GetInstance(ctx context.Context, id string) (sagaflow.SagaInstance, error)
	ListActive(ctx context.Context) ([]sagaflow.SagaInstance, error)
	Cancel(ctx context.Context, id string) error
	Resume(ctx context.Context, id string, payload map[string]any) error
	Registry() *sagaflow.Registry
}

var _ Service = (*sagaflow.Worker)(nil)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: c.GetString("request_id"),
	}})
}

// writeSagaError maps engine and store errors to HTTP statuses.
func writeSagaError(c *gin.Context, err error) {
	var (
		ve *sagaflow.ValidationError
		ge *sagaflow.GraphError
	)
	switch {
	case errors.Is(err, sagaflow.ErrNotFound):
		writeError(c, http.StatusNotFound, "SAGA_NOT_FOUND", err.Error())
	case errors.As(err, &ve), errors.As(err, &ge), errors.Is(err, sagaflow.ErrUnknownSagaType):
		writeError(c, http.StatusUnprocessableEntity, "SAGA_INVALID", err.Error())
	case errors.Is(err, sagaflow.ErrTerminal), errors.Is(err, sagaflow.ErrNotHalted):
		writeError(c, http.StatusConflict, "SAGA_CONFLICT", err.Error())
	case errors.Is(err, sagaflow.ErrDuplicate):
		writeError(c, http.StatusConflict, "SAGA_DUPLICATE", err.Error())
	default:
		var ie *sagaflow.InfraError
		if errors.As(err, &ie) {
			writeError(c, http.StatusServiceUnavailable, "SAGA_UNAVAILABLE", err.Error())
			return
		}
		writeError(c, http.StatusInternalServerError, "SAGA_INTERNAL", err.Error())
	}
}

// RequestID tags each request with an id, reusing X-Request-ID when the
// caller sends one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = "req_" + uuid.New().String()[:12]
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// AccessLog logs one line per request.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

type Handler struct {
	svc    Service
	logger *zap.Logger
}

func NewHandler(svc Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// NewRouter builds the gin engine with the saga routes and a health check.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(h.logger))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	h.Register(r.Group("/v1"))
	return r
}

func (h *Handler) Register(g gin.IRouter) {
	g.POST("/sagas", h.CreateSaga)
	g.GET("/sagas", h.ListSagas)
	g.GET("/sagas/:id", h.GetSaga)
	g.POST("/sagas/:id/cancel", h.CancelSaga)
	g.POST("/sagas/:id/resume", h.ResumeSaga)
	g.GET("/saga-types", h.ListSagaTypes)
	g.GET("/saga-types/:name/dot", h.SagaTypeDOT)
}

type createSagaRequest struct {
	SagaType      string         `json:"saga_type" binding:"required"`
	Inputs        map[string]any `json:"inputs"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id"`
	TimeoutMs     int            `json:"timeout_ms" binding:"gte=0"`
	MaxAttempts   int            `json:"max_attempts" binding:"gte=0"`
	Priority      int            `json:"priority"`
}

// CreateSaga handles POST /v1/sagas.
func (h *Handler) CreateSaga(c *gin.Context) {
	var req createSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "SAGA_BAD_REQUEST", err.Error())
		return
	}
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}

	id, err := h.svc.Enqueue(c.Request.Context(), req.SagaType, req.Inputs, sagaflow.SagaOptions{
		CorrelationID: req.CorrelationID,
		CausationID:   req.CausationID,
		TimeoutMs:     req.TimeoutMs,
		MaxAttempts:   req.MaxAttempts,
		Priority:      req.Priority,
	})
	if err != nil {
		writeSagaError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"correlation_id": id})
}

// GetSaga handles GET /v1/sagas/:id.
func (h *Handler) GetSaga(c *gin.Context) {
	inst, err := h.svc.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSagaError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ListSagas handles GET /v1/sagas. Only active instances can be listed.
func (h *Handler) ListSagas(c *gin.Context) {
	if c.DefaultQuery("active", "true") != "true" {
		writeError(c, http.StatusBadRequest, "SAGA_BAD_REQUEST", "only active=true is supported")
		return
	}
	insts, err := h.svc.ListActive(c.Request.Context())
	if err != nil {
		writeSagaError(c, err)
		return
	}
	if insts == nil {
		insts = []sagaflow.SagaInstance{}
	}
	c.JSON(http.StatusOK, gin.H{"sagas": insts, "count": len(insts)})
}

// CancelSaga handles POST /v1/sagas/:id/cancel.
func (h *Handler) CancelSaga(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Cancel(c.Request.Context(), id); err != nil {
		writeSagaError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"correlation_id": id})
}

// ResumeSaga handles POST /v1/sagas/:id/resume. The optional JSON body is
// merged into the saga inputs.
func (h *Handler) ResumeSaga(c *gin.Context) {
	payload := map[string]any{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			writeError(c, http.StatusBadRequest, "SAGA_BAD_REQUEST", err.Error())
			return
		}
	}
	id := c.Param("id")
	if err := h.svc.Resume(c.Request.Context(), id, payload); err != nil {
		writeSagaError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"correlation_id": id})
}

type sagaTypeView struct {
	Name   string     `json:"name"`
	Inputs []string   `json:"inputs"`
	Levels [][]string `json:"levels"`
}

// ListSagaTypes handles GET /v1/saga-types.
func (h *Handler) ListSagaTypes(c *gin.Context) {
	reg := h.svc.Registry()
	names := reg.Names()
	out := make([]sagaTypeView, 0, len(names))
	for _, name := range names {
		def, err := reg.Get(name)
		if err != nil {
			continue
		}
		out = append(out, sagaTypeView{Name: name, Inputs: def.Inputs(), Levels: def.Levels()})
	}
	c.JSON(http.StatusOK, gin.H{"saga_types": out})
}

// SagaTypeDOT handles GET /v1/saga-types/:name/dot.
func (h *Handler) SagaTypeDOT(c *gin.Context) {
	def, err := h.svc.Registry().Get(c.Param("name"))
	if err != nil {
		writeError(c, http.StatusNotFound, "SAGA_TYPE_NOT_FOUND", err.Error())
		return
	}
	dot, err := def.ExportDOT()
	if err != nil {
		h.logger.Error("failed to export DOT", zap.String("saga_type", def.Name()), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "SAGA_INTERNAL", err.Error())
		return
	}
	c.Data(http.StatusOK, "text/vnd.graphviz; charset=utf-8", []byte(dot))
}
