// Package httpapi exposes the extension's message types over HTTP. Each
// route maps onto one syncer operation.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/haukened/hostgate/internal/gate/common/log"
	"github.com/haukened/hostgate/internal/gate/domain"
	"github.com/haukened/hostgate/internal/gate/repos/statusindex"
	"github.com/haukened/hostgate/internal/gate/services/syncer"
)

// Service is the set of operations the API drives.
type Service interface {
	GlobalConfig(ctx context.Context) (domain.GlobalPolicy, error)
	SaveGlobalDecisions(ctx context.Context, decisions []domain.Decision) (domain.GlobalPolicy, syncer.Report, error)
	SaveSiteDecisions(ctx context.Context, site string, decisions []domain.Decision) (syncer.Report, error)
	ResetSite(ctx context.Context, site string) (syncer.Report, error)
	DisableSite(ctx context.Context, site string) (syncer.Report, error)
	EnableSite(ctx context.Context, site string) (syncer.Report, error)
	SiteState(ctx context.Context, site string, observed []string) (syncer.SiteState, error)
	Rules(ctx context.Context) (site, global []domain.Rule, err error)
}

var _ Service = (*syncer.Syncer)(nil)

// IndexStats exposes status index counters on the health endpoint.
type IndexStats interface {
	Stats() statusindex.Stats
}

type decisionsRequest struct {
	Decisions []domain.Decision `json:"decisions" binding:"required"`
}

type siteStateRequest struct {
	Observed []string `json:"observed"`
}

type handler struct {
	svc      Service
	logger   log.Logger
	validate *validator.Validate
}

// NewRouter builds the gin engine serving the message API. index may be nil.
func NewRouter(svc Service, index IndexStats, logger log.Logger) *gin.Engine {
	h := &handler{svc: svc, logger: logger, validate: validator.New()}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if index != nil {
			body["index"] = index.Stats()
		}
		c.JSON(http.StatusOK, body)
	})

	v1 := r.Group("/v1")
	v1.GET("/global", h.getGlobal)
	v1.PUT("/global", h.saveGlobal)
	v1.GET("/rules", h.listRules)

	sites := v1.Group("/sites/:site", h.requireSite)
	sites.POST("/state", h.siteState)
	sites.PUT("", h.saveSite)
	sites.DELETE("", h.resetSite)
	sites.POST("/disable", h.toggle(true))
	sites.POST("/enable", h.toggle(false))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

// requireSite rejects site path parameters that are not hostnames.
func (h *handler) requireSite(c *gin.Context) {
	if err := h.validate.Var(c.Param("site"), "required,max=253,hostname_rfc1123"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": domain.ErrInvalidHost.Error()})
		return
	}
	c.Next()
}

func (h *handler) getGlobal(c *gin.Context) {
	gp, err := h.svc.GlobalConfig(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": gp})
}

func (h *handler) saveGlobal(c *gin.Context) {
	var req decisionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gp, rep, err := h.svc.SaveGlobalDecisions(c.Request.Context(), req.Decisions)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": gp, "syncId": rep.ID})
}

func (h *handler) siteState(c *gin.Context) {
	var req siteStateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	state, err := h.svc.SiteState(c.Request.Context(), c.Param("site"), req.Observed)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *handler) saveSite(c *gin.Context) {
	var req decisionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rep, err := h.svc.SaveSiteDecisions(c.Request.Context(), c.Param("site"), req.Decisions)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "syncId": rep.ID})
}

func (h *handler) resetSite(c *gin.Context) {
	rep, err := h.svc.ResetSite(c.Request.Context(), c.Param("site"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "syncId": rep.ID})
}

func (h *handler) toggle(disable bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		op := h.svc.EnableSite
		if disable {
			op = h.svc.DisableSite
		}
		rep, err := op(c.Request.Context(), c.Param("site"))
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "disabled": disable, "syncId": rep.ID})
	}
}

func (h *handler) listRules(c *gin.Context) {
	site, global, err := h.svc.Rules(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"site": site, "global": global})
}

// fail maps an operation error to a response. Input errors are reported
// as-is; everything else is logged and surfaces as a generic sync failure.
func (h *handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidHost), errors.Is(err, domain.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRuleIDCollision):
		h.logger.Error(map[string]any{"path": c.FullPath(), "error": err.Error()}, "rule id collision")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(map[string]any{"path": c.FullPath(), "error": err.Error()}, "request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sync"})
	}
}

func requestLogger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug(map[string]any{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}, "request")
	}
}
