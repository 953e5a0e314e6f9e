package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nepiskopos/open-webui-enhancements/internal/config"
	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
	"github.com/nepiskopos/open-webui-enhancements/internal/models"
	"github.com/nepiskopos/open-webui-enhancements/internal/orchestrator"
	"github.com/nepiskopos/open-webui-enhancements/internal/storage"
)

// Journal is the turn journal as the HTTP surface needs it.
type Journal interface {
	orchestrator.Journal
	List(ctx context.Context, key models.SessionKey, limit int) ([]storage.Entry, error)
}

// Handler wires the pipelines protocol routes to the configured pipelines.
type Handler struct {
	pipelines  map[string]*Pipeline
	order      []string
	newInvoker InvokerFactory
	journal    Journal
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	created    int64

	// serializes valve updates so invoker and valves never diverge
	updateMu sync.Mutex
}

type HandlerOptions struct {
	NewInvoker InvokerFactory
	Journal    Journal
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// NewHandler constructs a Handler serving the given pipelines in order.
func NewHandler(pipelines []*Pipeline, opts HandlerOptions) *Handler {
	h := &Handler{
		pipelines:  make(map[string]*Pipeline, len(pipelines)),
		newInvoker: opts.NewInvoker,
		journal:    opts.Journal,
		gatherer:   opts.Gatherer,
		logger:     opts.Logger,
		created:    time.Now().Unix(),
	}
	if h.logger == nil {
		h.logger = logging.Nop()
	}
	if h.gatherer == nil {
		h.gatherer = prometheus.DefaultGatherer
	}
	for _, p := range pipelines {
		h.pipelines[p.ID()] = p
		h.order = append(h.order, p.ID())
	}
	return h
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	router.GET("/models", h.listModels)

	v1 := router.Group("/v1")
	v1.GET("/models", h.listModels)
	v1.POST("/chat/completions", h.chatCompletions)

	p := v1.Group("/:pipeline")
	p.Use(h.requirePipeline())
	p.POST("/filter/inlet", h.inlet)
	p.POST("/filter/outlet", h.outlet)
	p.GET("/valves", h.getValves)
	p.POST("/valves/update", h.updateValves)
	p.GET("/journal", h.listJournal)
}

// ApplyConfig pushes reloaded valves to the running pipelines. Added or
// removed pipelines need a restart.
func (h *Handler) ApplyConfig(ctx context.Context, cfg *config.Config) {
	for _, pc := range cfg.Pipelines {
		p, ok := h.pipelines[pc.ID]
		if !ok {
			h.logger.Warn("ignoring pipeline added by reload", "pipeline", pc.ID)
			continue
		}
		if p.Config().Valves == pc.Valves {
			continue
		}
		if err := h.applyValves(ctx, p, pc.Valves); err != nil {
			h.logger.Error("reload valves failed", "pipeline", pc.ID, "error", err)
			continue
		}
		h.logger.Info("valves reloaded", "pipeline", pc.ID, "valves", pc.Valves.Redacted())
	}
}

const pipelineKey = "pipeline"

func (h *Handler) requirePipeline() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := h.pipelines[c.Param("pipeline")]
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
			return
		}
		c.Set(pipelineKey, p)
		c.Next()
	}
}

func pipelineFrom(c *gin.Context) *Pipeline {
	return c.MustGet(pipelineKey).(*Pipeline)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": true})
}

func (h *Handler) listModels(c *gin.Context) {
	data := make([]gin.H, 0, len(h.order))
	for _, id := range h.order {
		cfg := h.pipelines[id].Config()
		pipeline := gin.H{"type": cfg.Type, "valves": true}
		if cfg.Type == config.TypeFilter {
			pipeline["pipelines"] = []string{"*"}
			pipeline["priority"] = 0
		}
		data = append(data, gin.H{
			"id":       cfg.ID,
			"name":     cfg.Name,
			"object":   "model",
			"created":  h.created,
			"owned_by": "openai",
			"pipeline": pipeline,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "object": "list", "pipelines": true})
}

// Filter hooks
type inletRequest struct {
	Body *models.InletBody `json:"body"`
	User *models.User      `json:"user"`
}

type outletRequest struct {
	Body *models.OutletBody `json:"body"`
	User *models.User       `json:"user"`
}

func userOf(u *models.User) models.User {
	if u == nil {
		return models.User{}
	}
	return *u
}

func (h *Handler) inlet(c *gin.Context) {
	var req inletRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Body == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p := pipelineFrom(c)
	body, _, err := p.Orchestrator().Inlet(c.Request.Context(), req.Body, userOf(req.User))
	if err != nil {
		h.logger.Error("inlet failed", "pipeline", p.ID(), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) outlet(c *gin.Context) {
	var req outletRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Body == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p := pipelineFrom(c)
	body, err := p.Orchestrator().Outlet(c.Request.Context(), req.Body, userOf(req.User))
	if err != nil {
		// The body is already rendered and the scope dropped; only the
		// artifacts that could not be deleted are left behind.
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, body)
}

// Pipe
type completionChoice struct {
	Index        int             `json:"index"`
	Message      *models.Message `json:"message,omitempty"`
	Delta        *models.Message `json:"delta,omitempty"`
	Logprobs     any             `json:"logprobs"`
	FinishReason *string         `json:"finish_reason"`
}

type completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

func (h *Handler) chatCompletions(c *gin.Context) {
	var req models.InletBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, ok := h.pipelines[req.Model]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("pipeline %q not found", req.Model)})
		return
	}
	if p.Config().Type != config.TypePipe {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pipeline is a filter and has no pipe"})
		return
	}

	content := p.Orchestrator().Pipe(c.Request.Context(), orchestrator.PipeRequest{
		User:     userOf(req.User),
		Messages: req.Messages,
		Metadata: req.Metadata,
	})

	id := fmt.Sprintf("%s-%s", req.Model, uuid.NewString())
	created := time.Now().Unix()
	stop := "stop"
	if !req.Stream {
		c.JSON(http.StatusOK, completion{
			ID:      id,
			Object:  "chat.completion",
			Created: created,
			Model:   req.Model,
			Choices: []completionChoice{{
				Message:      &models.Message{Role: models.RoleAssistant, Content: content},
				FinishReason: &stop,
			}},
		})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	chunk := func(delta *models.Message, finish *string) completion {
		return completion{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []completionChoice{{Delta: delta, FinishReason: finish}},
		}
	}
	if err := sendEvent(chunk(&models.Message{Role: models.RoleAssistant, Content: content}, nil)); err != nil {
		h.logger.Warn("stream write failed", "pipeline", p.ID(), "error", err)
		return
	}
	if err := sendEvent(chunk(&models.Message{}, &stop)); err != nil {
		return
	}
	_ = sendEvent("[DONE]")
}

// Valves
func (h *Handler) getValves(c *gin.Context) {
	c.JSON(http.StatusOK, pipelineFrom(c).Config().Valves.Redacted())
}

func (h *Handler) updateValves(c *gin.Context) {
	p := pipelineFrom(c)
	current := p.Config().Valves
	next := current
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	// Clients echo back the redacted key they were shown.
	if next.APIKey == current.Redacted().APIKey {
		next.APIKey = current.APIKey
	}
	if err := next.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.applyValves(c.Request.Context(), p, next); err != nil {
		h.logger.Error("apply valves failed", "pipeline", p.ID(), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not apply valves"})
		return
	}
	h.logger.Info("valves updated", "pipeline", p.ID(), "valves", next.Redacted())
	c.JSON(http.StatusOK, next.Redacted())
}

func (h *Handler) applyValves(ctx context.Context, p *Pipeline, v config.Valves) error {
	h.updateMu.Lock()
	defer h.updateMu.Unlock()
	cfg := p.Config()
	cfg.Valves = v
	if h.newInvoker == nil {
		p.setValves(v, nil)
		return nil
	}
	inv, err := h.newInvoker(ctx, cfg)
	if err != nil {
		return err
	}
	p.setValves(v, inv)
	return nil
}

// Journal
var errJournalDisabled = errors.New("journal disabled")

func (h *Handler) listJournal(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errJournalDisabled.Error()})
		return
	}
	userID := strings.TrimSpace(c.Query("user_id"))
	chatID := strings.TrimSpace(c.Query("chat_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	p := pipelineFrom(c)
	entries, err := h.journal.List(c.Request.Context(), models.NewSessionKey(userID, chatID), limit)
	if err != nil {
		h.logger.Error("list journal failed", "pipeline", p.ID(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read journal"})
		return
	}
	out := make([]storage.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Pipeline == p.ID() {
			out = append(out, e)
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}
