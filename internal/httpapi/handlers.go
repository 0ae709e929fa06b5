package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/fusion"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/recommend"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

const operatorHeader = "X-Operator-ID"

type triggerRequest struct {
	CID      string `json:"cid" binding:"required"`
	DeviceID string `json:"device_id"`
}

type triggerResponse struct {
	CID              string                 `json:"cid"`
	DeviceID         string                 `json:"device_id"`
	ContextStatus    domain.ContextStatus   `json:"context_status"`
	Contributed      []string               `json:"contributed"`
	Failed           []string               `json:"failed"`
	Sources          []domain.SourceKind    `json:"sources"`
	Prediction       *domain.Prediction     `json:"prediction,omitempty"`
	InferenceError   string                 `json:"inference_error,omitempty"`
	RecommendationID string                 `json:"recommendation_id,omitempty"`
	Recommendation   *domain.Recommendation `json:"recommendation,omitempty"`
}

func (h *Handlers) TriggerCID(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cid is required"})
		return
	}
	out, err := h.trigger.Run(c.Request.Context(), req.CID, req.DeviceID)
	if err != nil && errors.Is(err, fusion.ErrEmptyContextID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil && out.Record.ContextID == "" {
		h.fail(c, err)
		return
	}

	resp := triggerResponse{
		CID:            out.Record.ContextID,
		DeviceID:       req.DeviceID,
		ContextStatus:  out.Record.ContextStatus,
		Contributed:    out.Record.Contributed,
		Failed:         out.Record.Failed,
		Sources:        out.Record.SourceKinds(),
		InferenceError: out.InferenceError,
	}
	if out.Inference != nil {
		p := out.Inference.Prediction
		resp.Prediction = &p
	}
	if out.Recommendation != nil {
		resp.RecommendationID = out.Recommendation.ID
		resp.Recommendation = out.Recommendation
	}
	if err != nil {
		// fused and inferred, but the recommendation could not be stored
		h.obs.LogError("create recommendation failed", err, ports.Field{Key: "cid", Value: req.CID})
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": resp})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) ListRecommendations(c *gin.Context) {
	status := domain.Status(c.DefaultQuery("status", string(domain.StatusPending)))
	recs, err := h.recs.List(c.Request.Context(), ports.RecommendationFilter{
		Status:   status,
		DeviceID: c.Query("device_id"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []domain.Recommendation{}
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs, "count": len(recs)})
}

func (h *Handlers) GetRecommendation(c *gin.Context) {
	rec, err := h.recs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) RecommendationAudit(c *gin.Context) {
	entries, err := h.recs.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"recommendation_id": c.Param("id"), "entries": entries})
}

type decisionRequest struct {
	ApproverIdentity string `json:"approver_identity"`
	Notes            string `json:"notes"`
	Reason           string `json:"reason"`
}

func (h *Handlers) decision(c *gin.Context) (decisionRequest, bool) {
	var req decisionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return req, false
		}
	}
	if strings.TrimSpace(req.ApproverIdentity) == "" {
		req.ApproverIdentity = c.GetHeader(operatorHeader)
	}
	return req, true
}

func (h *Handlers) ApproveRecommendation(c *gin.Context) {
	req, ok := h.decision(c)
	if !ok {
		return
	}
	rec, err := h.recs.Approve(c.Request.Context(), c.Param("id"), req.ApproverIdentity, req.Notes)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) RejectRecommendation(c *gin.Context) {
	req, ok := h.decision(c)
	if !ok {
		return
	}
	rec, err := h.recs.Reject(c.Request.Context(), c.Param("id"), req.ApproverIdentity, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) ExpireRecommendations(c *gin.Context) {
	n, err := h.recs.SweepExpired(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired_count": n})
}

type limitRequest struct {
	DeviceID         string   `json:"device_id"`
	Parameter        string   `json:"parameter"`
	Min              *float64 `json:"min"`
	Max              *float64 `json:"max"`
	MaxRateOfChange  *float64 `json:"max_rate_of_change"`
	Unit             string   `json:"unit"`
	RequiresApproval *bool    `json:"requires_approval"`
	Enabled          *bool    `json:"enabled"`
}

func (h *Handlers) UpsertSafetyLimit(c *gin.Context) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Min == nil || req.Max == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "min and max are required"})
		return
	}
	l := domain.SafetyLimit{
		DeviceID:         req.DeviceID,
		Parameter:        req.Parameter,
		Min:              *req.Min,
		Max:              *req.Max,
		MaxRateOfChange:  req.MaxRateOfChange,
		Unit:             req.Unit,
		RequiresApproval: req.RequiresApproval == nil || *req.RequiresApproval,
		Enabled:          req.Enabled == nil || *req.Enabled,
	}
	if err := h.recs.UpsertLimit(c.Request.Context(), l); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handlers) ListSafetyLimits(c *gin.Context) {
	limits, err := h.recs.ListLimits(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if limits == nil {
		limits = []domain.SafetyLimit{}
	}
	c.JSON(http.StatusOK, gin.H{"limits": limits})
}

func (h *Handlers) AdapterHealth(c *gin.Context) {
	snaps := []domain.HealthSnapshot{}
	if h.health != nil {
		snaps = append(snaps, h.health.Statuses()...)
	}
	c.JSON(http.StatusOK, gin.H{"adapters": snaps})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, recommend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, recommend.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, recommend.ErrLimitViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, recommend.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.obs.LogError("request failed", err,
			ports.Field{Key: "method", Value: c.Request.Method},
			ports.Field{Key: "path", Value: c.FullPath()},
		)
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
