package http

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/flatnas/scripthost/internal/bus"
	"github.com/flatnas/scripthost/internal/host"
	"github.com/flatnas/scripthost/internal/infrastructure/logging"
	"github.com/flatnas/scripthost/internal/infrastructure/monitoring"
	"github.com/flatnas/scripthost/internal/script"
)

// CustomConfig is the user-facing configuration payload.
type CustomConfig struct {
	Script    string `json:"script"`
	ScriptURL string `json:"script_url,omitempty"`
	CSS       string `json:"css"`
	Consent   bool   `json:"consent"`
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	manager *script.Manager
	doc     *host.Document
	styles  *host.StyleStore
	bus     *bus.Bus
	fetcher *script.Fetcher
	logger  *logging.Logger
	metrics *monitoring.Metrics
	policy  *bluemonday.Policy

	mu      sync.RWMutex
	current CustomConfig
}

// NewHandlers creates the handler set.
func NewHandlers(
	manager *script.Manager,
	doc *host.Document,
	styles *host.StyleStore,
	eventBus *bus.Bus,
	fetcher *script.Fetcher,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
) *Handlers {
	return &Handlers{
		manager: manager,
		doc:     doc,
		styles:  styles,
		bus:     eventBus,
		fetcher: fetcher,
		logger:  logger.Named("http"),
		metrics: metrics,
		policy:  bluemonday.UGCPolicy().AllowAttrs("id", "class").Globally(),
	}
}

// Root handles GET /
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "scripthost",
		"status":  "running",
	})
}

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"lifecycle": h.manager.Status(),
	})
}

// ApplyCustom handles PUT /api/custom: stores the new configuration and
// runs one apply cycle. The lifecycle itself never fails; a non-2xx
// response here means the request was malformed or a remote script
// could not be fetched.
func (h *Handlers) ApplyCustom(c *gin.Context) {
	var req CustomConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	scriptText := req.Script
	if scriptText == "" && req.ScriptURL != "" {
		fetched, err := h.fetcher.Fetch(c.Request.Context(), req.ScriptURL)
		if err != nil {
			h.logger.Warn("remote script fetch failed",
				zap.String("url", req.ScriptURL), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		scriptText = fetched
	}

	if err := h.styles.Set(req.CSS); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	h.manager.Apply(c.Request.Context(), scriptText, req.Consent)

	h.mu.Lock()
	h.current = req
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"applied":   true,
		"lifecycle": h.manager.Status(),
	})
}

// GetCustom handles GET /api/custom
func (h *Handlers) GetCustom(c *gin.Context) {
	h.mu.RLock()
	current := h.current
	h.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"config":    current,
		"lifecycle": h.manager.Status(),
	})
}

// DeleteCustom handles DELETE /api/custom: tears down the current
// generation and clears the stored configuration.
func (h *Handlers) DeleteCustom(c *gin.Context) {
	h.manager.Destroy()

	h.mu.Lock()
	h.current = CustomConfig{}
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"destroyed": true,
		"lifecycle": h.manager.Status(),
	})
}

// MutateRequest describes one host-document mutation.
type MutateRequest struct {
	Kind     string `json:"kind" binding:"required"` // attribute, text, append, remove
	Selector string `json:"selector" binding:"required"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Fragment string `json:"fragment"`
}

// MutateHost handles POST /api/host/mutate
func (h *Handlers) MutateHost(c *gin.Context) {
	var req MutateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var affected int
	switch req.Kind {
	case "attribute":
		affected = h.doc.SetAttr(req.Selector, req.Name, req.Value)
	case "text":
		affected = h.doc.SetText(req.Selector, req.Value)
	case "append":
		if err := h.doc.AppendHTML(req.Selector, req.Fragment); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		affected = 1
	case "remove":
		affected = h.doc.Remove(req.Selector)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mutation kind"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"affected": affected})
}

// EmitRequest carries an event emitted through the HTTP API.
type EmitRequest struct {
	Event  string      `json:"event" binding:"required"`
	Detail interface{} `json:"detail"`
}

// EmitEvent handles POST /api/events
func (h *Handlers) EmitEvent(c *gin.Context) {
	var req EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.bus.Emit(req.Event, req.Detail)
	h.metrics.ObserveBusEvent("api")

	c.JSON(http.StatusOK, gin.H{"emitted": h.bus.Topic(req.Event)})
}

// GetPage handles GET /page: the sanitized host page with the current
// user style. Hosted scripts run in the embedded VM, never in the
// consumer's browser, so script nodes are stripped here.
func (h *Handlers) GetPage(c *gin.Context) {
	raw, err := h.doc.HTML()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body := h.policy.Sanitize(raw)
	page := "<!DOCTYPE html>\n<html><head><style>" + h.styles.CSS() +
		"</style></head><body>" + body + "</body></html>"

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, page)
}
