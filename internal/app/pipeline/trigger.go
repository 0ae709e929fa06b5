// Package pipeline glues the stages together: a CID trigger runs fusion,
// inference and recommendation creation, and the execution worker drains
// approved recommendations into controller writes.
package pipeline

import (
	"context"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

type Fuser interface {
	Fuse(ctx context.Context, contextID, triggerDeviceID string) (domain.FusedRecord, error)
}

type Recommender interface {
	Create(ctx context.Context, deviceID, contextID string, p domain.Proposal) (domain.Recommendation, error)
}

// Outcome is what one trigger produced. Inference and Recommendation are
// nil when the stage produced nothing.
type Outcome struct {
	Record         domain.FusedRecord      `json:"fused"`
	Inference      *domain.InferenceResult `json:"inference,omitempty"`
	InferenceError string                  `json:"inference_error,omitempty"`
	Recommendation *domain.Recommendation  `json:"recommendation,omitempty"`
}

type Trigger struct {
	fuser   Fuser
	inferer ports.Inferer
	fused   ports.FusedStore
	recs    Recommender
	obs     ports.Observability
}

// NewTrigger wires the trigger stages. fused may be nil to skip persisting
// fused records.
func NewTrigger(f Fuser, inf ports.Inferer, fused ports.FusedStore, recs Recommender, obs ports.Observability) *Trigger {
	return &Trigger{fuser: f, inferer: inf, fused: fused, recs: recs, obs: obs}
}

// Run processes one scanned CID. A failed inference still returns the
// fused record; only fusion input errors and recommendation store errors
// are returned.
func (t *Trigger) Run(ctx context.Context, contextID, deviceID string) (Outcome, error) {
	rec, err := t.fuser.Fuse(ctx, contextID, deviceID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Record: rec}

	if t.inferer != nil {
		start := time.Now()
		res, err := t.inferer.Infer(ctx, rec)
		if err != nil {
			t.obs.LogError("inference failed", err,
				ports.Field{Key: "cid", Value: contextID},
				ports.Field{Key: "device_id", Value: deviceID},
			)
			out.InferenceError = err.Error()
		} else {
			t.obs.LogInfo("inference done",
				ports.Field{Key: "cid", Value: contextID},
				ports.Field{Key: "label", Value: res.Prediction.Label},
				ports.Field{Key: "confidence", Value: res.Prediction.Confidence},
				ports.Field{Key: "latency_ms", Value: time.Since(start).Milliseconds()},
			)
			out.Inference = &res
		}
	}

	if t.fused != nil {
		if err := t.fused.SaveFused(ctx, rec, out.Inference); err != nil {
			t.obs.LogError("persist fused record failed", err, ports.Field{Key: "cid", Value: contextID})
		}
	}

	if out.Inference == nil || out.Inference.Proposal == nil || t.recs == nil {
		return out, nil
	}
	r, err := t.recs.Create(ctx, deviceID, contextID, *out.Inference.Proposal)
	if err != nil {
		return out, err
	}
	out.Recommendation = &r
	return out, nil
}
