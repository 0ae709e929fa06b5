// Package httpapi exposes the trigger, the approval gate and the safety
// limit registry over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/pipeline"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

type Triggerer interface {
	Run(ctx context.Context, contextID, deviceID string) (pipeline.Outcome, error)
}

type Recommendations interface {
	Get(ctx context.Context, id string) (domain.Recommendation, error)
	List(ctx context.Context, f ports.RecommendationFilter) ([]domain.Recommendation, error)
	History(ctx context.Context, id string) ([]domain.AuditEntry, error)
	Approve(ctx context.Context, id, approver, notes string) (domain.Recommendation, error)
	Reject(ctx context.Context, id, approver, reason string) (domain.Recommendation, error)
	SweepExpired(ctx context.Context) (int, error)
	UpsertLimit(ctx context.Context, l domain.SafetyLimit) error
	ListLimits(ctx context.Context) ([]domain.SafetyLimit, error)
}

type HealthReporter interface {
	Statuses() []domain.HealthSnapshot
}

type Handlers struct {
	trigger Triggerer
	recs    Recommendations
	health  HealthReporter
	obs     ports.Observability
}

func NewHandlers(trigger Triggerer, recs Recommendations, health HealthReporter, obs ports.Observability) *Handlers {
	return &Handlers{trigger: trigger, recs: recs, health: health, obs: obs}
}

// NewRouter builds the gin engine with every route registered.
//
//	POST /cid                               run the trigger pipeline
//	GET  /recommendations                   list, ?status=&device_id=
//	GET  /recommendations/:id               one recommendation
//	GET  /recommendations/:id/audit         its audit trail
//	POST /recommendations/:id/approve       approval gate
//	POST /recommendations/:id/reject        rejection
//	POST /recommendations/expire            manual expiry sweep
//	PUT  /safety-limits                     upsert a limit
//	GET  /safety-limits                     list limits
//	GET  /adapters/health                   last health cycle
//	GET  /healthz                           liveness
//	GET  /metrics                           optional, when metrics is non-nil
func NewRouter(h *Handlers, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	r.POST("/cid", h.TriggerCID)

	recs := r.Group("/recommendations")
	recs.GET("", h.ListRecommendations)
	recs.POST("/expire", h.ExpireRecommendations)
	recs.GET("/:id", h.GetRecommendation)
	recs.GET("/:id/audit", h.RecommendationAudit)
	recs.POST("/:id/approve", h.ApproveRecommendation)
	recs.POST("/:id/reject", h.RejectRecommendation)

	r.PUT("/safety-limits", h.UpsertSafetyLimit)
	r.GET("/safety-limits", h.ListSafetyLimits)

	r.GET("/adapters/health", h.AdapterHealth)
	return r
}
