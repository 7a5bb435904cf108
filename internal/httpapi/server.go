package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"cyclebot/internal/engine"
	"cyclebot/internal/state"

	"github.com/gin-gonic/gin"
)

// Workers is the view of the runner the API reads and controls.
type Workers interface {
	Snapshot() []engine.Status
	KillSwitch() bool
	SetKillSwitch(on bool)
}

type Handler struct {
	workers Workers
	store   *state.Store
	broker  string
	timeout time.Duration
}

type killSwitchRequest struct {
	Enabled *bool `json:"enabled"`
}

// NewRouter exposes worker phases and stored plays. brokerName scopes the
// /states listing.
func NewRouter(workers Workers, store *state.Store, brokerName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{workers: workers, store: store, broker: brokerName, timeout: 5 * time.Second}

	router.GET("/healthz", h.health)
	router.GET("/workers", h.listWorkers)
	router.GET("/rules", h.listRules)
	router.GET("/rules/:symbol", h.getRule)
	router.GET("/states", h.listStates)
	router.GET("/kill-switch", h.getKillSwitch)
	router.PUT("/kill-switch", h.setKillSwitch)
	return router
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "workers": len(h.workers.Snapshot())})
}

func (h *Handler) listWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": h.workers.Snapshot(), "kill_switch": h.workers.KillSwitch()})
}

func (h *Handler) listRules(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	rules, err := h.store.Rules(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *Handler) getRule(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	rule, err := h.store.Rule(ctx, c.Param("symbol"))
	if errors.Is(err, state.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open play"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) listStates(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	states, err := h.store.States(ctx, h.broker)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}

func (h *Handler) getKillSwitch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": h.workers.KillSwitch()})
}

func (h *Handler) setKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"enabled\": true|false}"})
		return
	}
	h.workers.SetKillSwitch(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

// Serve runs handler on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("status api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
