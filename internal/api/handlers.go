package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ChaseRain/pptwizard/internal/infra/httpclient"
	"github.com/ChaseRain/pptwizard/internal/infra/limiter"
	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/internal/service/backend"
	"github.com/ChaseRain/pptwizard/internal/service/session"
	"github.com/ChaseRain/pptwizard/internal/service/storage"
	"github.com/ChaseRain/pptwizard/internal/service/workflow"
	"github.com/ChaseRain/pptwizard/pkg/errors"
)

// TemplateLister lists the templates a wizard can start from.
type TemplateLister interface {
	ListTemplates(ctx context.Context, opts httpclient.Options) ([]backend.Template, error)
}

type Options struct {
	// UseRAG is applied when a content request leaves useRag unset.
	UseRAG    bool
	Templates httpclient.Options
	// Limiter is the one shared by all sessions; /health reports its load.
	Limiter   *limiter.Limiter
}

type Handler struct {
	registry  *workflow.Registry
	templates TemplateLister
	files     *storage.Service
	opts      Options
	logger    *logger.Logger
}

func NewHandler(reg *workflow.Registry, templates TemplateLister, files *storage.Service, opts Options, log *logger.Logger) *Handler {
	return &Handler{
		registry:  reg,
		templates: templates,
		files:     files,
		opts:      opts,
		logger:    log,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Sessions: h.registry.Len(),
		InFlight: h.opts.Limiter.InFlight(),
	})
}

func (h *Handler) ListTemplates(c *gin.Context) {
	templates, err := h.templates.ListTemplates(c.Request.Context(), h.opts.Templates)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if templates == nil {
		templates = []backend.Template{}
	}
	c.JSON(http.StatusOK, TemplatesResponse{Templates: templates})
}

func (h *Handler) CreateSession(c *gin.Context) {
	m := h.registry.Create()
	c.JSON(http.StatusCreated, m.View())
}

func (h *Handler) GetSession(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m.View())
}

func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.registry.Close(c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GenerateContent confirms the template and query and generates the outline.
func (h *Handler) GenerateContent(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	var req ContentRequest
	if !h.bind(c, &req) {
		return
	}

	useRAG := h.opts.UseRAG
	if req.UseRAG != nil {
		useRAG = *req.UseRAG
	}
	in := session.GenerateInput{
		TemplateID:   req.TemplateID,
		Query:        req.Query,
		Context:      req.Context,
		ContainerIDs: req.ContainerIDs,
		UseRAG:       useRAG,
	}
	run := func(ctx context.Context) error { return m.ConfirmTemplate(ctx, in) }

	if req.Stream {
		h.handleStreamingResponse(c, m, run)
		return
	}
	h.respondView(c, m, run(c.Request.Context()))
}

func (h *Handler) Regenerate(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	var req RegenerateRequest
	if !h.bind(c, &req) {
		return
	}
	run := func(ctx context.Context) error { return m.Regenerate(ctx, req.Query) }

	if req.Stream {
		h.handleStreamingResponse(c, m, run)
		return
	}
	h.respondView(c, m, run(c.Request.Context()))
}

func (h *Handler) Build(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	var req BuildRequest
	if !h.bind(c, &req) {
		return
	}

	art, err := m.ConfirmBuild(c.Request.Context(), req.OutputFilename)
	if err != nil && !errors.Is(err, errors.ErrCodeCancelled) {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, BuildResponse{Artifact: art, Session: m.View()})
}

// EditAgain returns from the preview to the editor.
func (h *Handler) EditAgain(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	h.respondView(c, m, m.EditAgain())
}

func (h *Handler) Cancel(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	m.Cancel()
	c.JSON(http.StatusOK, m.View())
}

func (h *Handler) Reset(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	h.respondView(c, m, m.Reset())
}

func (h *Handler) SetElementText(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	index, ok := h.slideIndex(c)
	if !ok {
		return
	}
	var req SetTextRequest
	if !h.bind(c, &req) {
		return
	}
	if req.Text == nil {
		h.handleError(c, errors.New(errors.ErrCodeValidation, "text is required"))
		return
	}

	changed, err := m.SetElementText(index, c.Param("elementId"), *req.Text)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, EditResponse{Changed: changed, Session: m.View()})
}

func (h *Handler) ClearElementText(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	index, ok := h.slideIndex(c)
	if !ok {
		return
	}

	changed, err := m.ClearElementText(index, c.Param("elementId"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, EditResponse{Changed: changed, Session: m.View()})
}

// DownloadFile serves a locally kept copy of a built presentation.
func (h *Handler) DownloadFile(c *gin.Context) {
	if !h.files.Enabled() {
		h.handleError(c, errors.New(errors.ErrCodeNotFound, "local artifact storage is disabled"))
		return
	}
	f, err := h.files.Open(c.Param("name"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.handleError(c, errors.Wrap(err, errors.ErrCodeStorage, "failed to read file"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

func (h *Handler) handleStreamingResponse(c *gin.Context, m *workflow.Machine, run func(ctx context.Context) error) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	sendEvent := func(eventType string, data interface{}) {
		event := StreamEvent{
			Event:     eventType,
			Data:      data,
			SessionID: m.ID(),
		}
		jsonData, _ := json.Marshal(event)
		fmt.Fprintf(c.Writer, "event: %s\n", eventType)
		fmt.Fprintf(c.Writer, "data: %s\n\n", jsonData)
		c.Writer.Flush()
	}

	// Views may be produced on other goroutines (a cancel from another
	// request), so only this goroutine writes to the response.
	views := make(chan workflow.View, 64)
	unsubscribe := m.Subscribe(func(v workflow.View) {
		select {
		case views <- v:
		default:
		}
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- run(c.Request.Context()) }()

	for {
		select {
		case v := <-views:
			sendEvent(EventTypeView, v)
		case err := <-done:
			for drained := false; !drained; {
				select {
				case v := <-views:
					sendEvent(EventTypeView, v)
				default:
					drained = true
				}
			}
			if err != nil && !errors.Is(err, errors.ErrCodeCancelled) {
				h.logger.Warn("streamed operation failed", "session_id", m.ID(), "error", err)
				sendEvent(EventTypeError, ErrorResponse{
					Code:    errors.CodeOf(err),
					Message: errors.UserMessage(err),
				})
			}
			sendEvent(EventTypeDone, m.View())
			return
		}
	}
}

// respondView reports the wizard after an intent. Cancellation is not an
// error for the caller.
func (h *Handler) respondView(c *gin.Context, m *workflow.Machine, err error) {
	if err != nil && !errors.Is(err, errors.ErrCodeCancelled) {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, m.View())
}

func (h *Handler) machine(c *gin.Context) (*workflow.Machine, bool) {
	m, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return nil, false
	}
	return m, true
}

func (h *Handler) slideIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		h.handleError(c, errors.New(errors.ErrCodeValidation, "slide index must be a number"))
		return 0, false
	}
	return index, true
}

// bind decodes an optional JSON body.
func (h *Handler) bind(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil && err != io.EOF {
		h.logger.Error("invalid request", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    errors.ErrCodeValidation,
			Message: err.Error(),
		})
		return false
	}
	return true
}

func (h *Handler) handleError(c *gin.Context, err error) {
	code := errors.CodeOf(err)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.Request.URL.Path, "code", code, "error", err)
	} else {
		h.logger.Warn("request rejected", "path", c.Request.URL.Path, "code", code, "error", err)
	}

	c.JSON(status, ErrorResponse{
		Code:    code,
		Message: errors.UserMessage(err),
	})
}

func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidTransition, errors.ErrCodeBusy:
		return http.StatusConflict
	case errors.ErrCodeEmptyResult:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeHTTP:
		if errors.StatusOf(err) == http.StatusUnauthorized {
			return http.StatusUnauthorized
		}
		return http.StatusBadGateway
	case errors.ErrCodeNetwork, errors.ErrCodeBackend:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
