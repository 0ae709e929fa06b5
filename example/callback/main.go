package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	contextedge "github.com/Context-Injection-Edge/Context-Edge-sub000"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
)

// inferFunc adapts a plain function to the inference port.
type inferFunc func(ctx context.Context, rec domain.FusedRecord) (domain.InferenceResult, error)

func (f inferFunc) Infer(ctx context.Context, rec domain.FusedRecord) (domain.InferenceResult, error) {
	return f(ctx, rec)
}

func main() {
	cfg, err := contextedge.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	model := inferFunc(func(_ context.Context, rec domain.FusedRecord) (domain.InferenceResult, error) {
		fmt.Printf("%s cid=%s context=%s sources=%v failed=%v\n",
			rec.FusedAt.Format(time.RFC3339Nano),
			rec.ContextID,
			rec.ContextStatus,
			rec.SourceKinds(),
			rec.Failed,
		)
		res := domain.InferenceResult{Prediction: domain.Prediction{Label: "good", Confidence: 0.99, ModelVersion: "stdout-v1"}}
		if t, ok := rec.Float(domain.KindPLC, "temperature"); ok && t > 95 {
			res.Prediction.Label = "defective"
			res.Proposal = &domain.Proposal{
				TargetParameter:  "temp_setpoint",
				RecommendedValue: 88,
				Reasoning:        fmt.Sprintf("temperature %.1f", t),
				Confidence:       0.6,
				ModelVersion:     "stdout-v1",
			}
		}
		return res, nil
	})

	rt, err := contextedge.New(ctx, cfg, contextedge.WithInferer(model))
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}
	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
