package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/service/matchmaking"
)

const healthTimeout = 2 * time.Second

type handler struct {
	svc    *matchmaking.Service
	checks map[string]HealthCheck
}

type userRequest struct {
	UserID string `json:"user_id"`
}

type callRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type suggestionRequest struct {
	UserID       string `json:"user_id"`
	TargetUserID string `json:"target_user_id"`
}

// bind decodes the JSON body, answering 400 on malformed input.
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, svcErr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

// POST /queue/join
func (h *handler) join(c *gin.Context) {
	var req matchmaking.JoinRequest
	if !bind(c, &req) {
		return
	}
	st, err := h.svc.Join(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, st)
}

// POST /queue/leave
func (h *handler) leave(c *gin.Context) {
	var req userRequest
	if !bind(c, &req) {
		return
	}
	removed, err := h.svc.Leave(c.Request.Context(), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"user_id": req.UserID, "removed": removed})
}

// POST /queue/skip
func (h *handler) skip(c *gin.Context) {
	var req callRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.Skip(c.Request.Context(), req.UserID, req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, res)
}

// POST /queue/end
func (h *handler) end(c *gin.Context) {
	var req callRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.End(c.Request.Context(), req.UserID, req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, res)
}

// GET /queue/status/:user_id always answers 200; failures show up as status ERROR.
func (h *handler) status(c *gin.Context) {
	respondOK(c, h.svc.Status(c.Request.Context(), c.Param("user_id")))
}

// GET /queue/stats
func (h *handler) stats(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, st)
}

// PUT /preferences/:user_id
func (h *handler) putPreferences(c *gin.Context) {
	raw := map[string]any{}
	if !bind(c, &raw) {
		return
	}
	p, err := h.svc.PutPreferences(c.Request.Context(), c.Param("user_id"), raw)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, p)
}

// GET /preferences/:user_id
func (h *handler) getPreferences(c *gin.Context) {
	p, err := h.svc.GetPreferences(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, p)
}

// POST /discover
func (h *handler) discover(c *gin.Context) {
	var req matchmaking.DiscoverRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.Discover(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, res)
}

// POST /create_from_suggestion
func (h *handler) createFromSuggestion(c *gin.Context) {
	var req suggestionRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.CreateFromSuggestion(c.Request.Context(), req.UserID, req.TargetUserID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, res)
}

// GET /matches/:user_id?cursor=&limit=
func (h *handler) listMatches(c *gin.Context) {
	var cursor *string
	if v := c.Query("cursor"); v != "" {
		cursor = &v
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(c, svcErr.Validation("limit must be an integer"))
			return
		}
		limit = n
	}
	page, err := h.svc.ListMatches(c.Request.Context(), c.Param("user_id"), cursor, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, page)
}

// GET /healthz
func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "deps": deps})
}
