// Package executor writes approved recommendations to the controller
// that owns the target device.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/registry"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

var (
	ErrNoTarget    = errors.New("no actuating adapter for device")
	ErrNotWritable = errors.New("parameter is not writable")
)

// Target binds a device to the adapter that actuates it.
type Target struct {
	Adapter string
	Tags    map[string]domain.TagMapping
}

// TargetTable maps device IDs to their actuation target. It is replaced
// wholesale on configuration reload.
type TargetTable struct {
	mu      sync.RWMutex
	devices map[string]Target
}

func NewTargetTable() *TargetTable {
	return &TargetTable{devices: make(map[string]Target)}
}

// Set replaces the table from adapter infos and their device lists.
func (t *TargetTable) Set(adapters []domain.AdapterInfo, devices map[string][]string) {
	next := make(map[string]Target)
	for _, info := range adapters {
		tags := make(map[string]domain.TagMapping, len(info.Tags))
		for _, tag := range info.Tags {
			tags[tag.Name] = tag
		}
		for _, dev := range devices[info.Name] {
			next[dev] = Target{Adapter: info.Name, Tags: tags}
		}
	}
	t.mu.Lock()
	t.devices = next
	t.mu.Unlock()
}

// Resolve finds the adapter and the writable tag for a device parameter.
func (t *TargetTable) Resolve(deviceID, parameter string) (string, domain.TagMapping, error) {
	t.mu.RLock()
	target, ok := t.devices[deviceID]
	t.mu.RUnlock()
	if !ok {
		return "", domain.TagMapping{}, fmt.Errorf("%w %s", ErrNoTarget, deviceID)
	}
	tag, ok := target.Tags[parameter]
	if !ok {
		return "", domain.TagMapping{}, fmt.Errorf("%s on %s: %w", parameter, target.Adapter, ports.ErrTagNotFound)
	}
	if !tag.Writable {
		return "", domain.TagMapping{}, fmt.Errorf("%s on %s: %w", parameter, target.Adapter, ErrNotWritable)
	}
	return target.Adapter, tag, nil
}

type Executor struct {
	reg     *registry.Registry
	targets *TargetTable
	timeout time.Duration
	obs     ports.Observability
	now     func() time.Time
}

func New(reg *registry.Registry, targets *TargetTable, writeTimeout time.Duration, obs ports.Observability) *Executor {
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Second
	}
	return &Executor{reg: reg, targets: targets, timeout: writeTimeout, obs: obs, now: time.Now}
}

// Execute performs exactly one write attempt and classifies the result.
// It never returns an error; failures are part of the result.
func (x *Executor) Execute(ctx context.Context, rec domain.Recommendation) domain.ExecutionResult {
	res := x.execute(ctx, rec)
	res.At = x.now().UTC()

	fields := []ports.Field{
		{Key: "recommendation_id", Value: rec.ID},
		{Key: "device_id", Value: rec.DeviceID},
		{Key: "parameter", Value: rec.TargetParameter},
		{Key: "value", Value: rec.RecommendedValue},
		{Key: "outcome", Value: string(res.Outcome)},
	}
	switch res.Outcome {
	case domain.OutcomeSuccess:
		x.obs.LogInfo("controller write succeeded", fields...)
	case domain.OutcomeControllerRejected:
		x.obs.LogWarn("controller rejected write", append(fields, ports.Field{Key: "response", Value: res.Response})...)
	default:
		x.obs.LogError("controller write failed", errors.New(res.Response), fields...)
	}
	return res
}

func (x *Executor) execute(ctx context.Context, rec domain.Recommendation) domain.ExecutionResult {
	name, tag, err := x.targets.Resolve(rec.DeviceID, rec.TargetParameter)
	if err != nil {
		return domain.ExecutionResult{Outcome: domain.OutcomeFailed, Response: err.Error()}
	}
	ent, ok := x.reg.Get(name)
	if !ok {
		return domain.ExecutionResult{Outcome: domain.OutcomeFailed, Response: fmt.Sprintf("adapter %s not registered", name)}
	}
	if !ent.Acquire() {
		return domain.ExecutionResult{Outcome: domain.OutcomeFailed, Response: fmt.Sprintf("adapter %s is being removed", name)}
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	type written struct {
		resp string
		err  error
	}
	ch := make(chan written, 1)
	start := time.Now()
	go func() {
		defer ent.Release()
		resp, err := ent.Adapter().WriteRegister(ctx, tag, tag.ToRaw(rec.RecommendedValue))
		ch <- written{resp: resp, err: err}
	}()

	var resp string
	select {
	case w := <-ch:
		resp, err = w.resp, w.err
	case <-ctx.Done():
		// The adapter ignored its deadline; whether the controller took the
		// value is unknown.
		err = fmt.Errorf("write timed out after %s, controller state unknown: %w", x.timeout, ctx.Err())
	}
	x.obs.ObserveLatency("ctxedge_controller_write_latency_seconds", time.Since(start).Seconds())

	switch {
	case err == nil:
		return domain.ExecutionResult{Outcome: domain.OutcomeSuccess, Response: resp}
	case errors.Is(err, ports.ErrControllerRejected):
		if resp == "" {
			resp = err.Error()
		}
		return domain.ExecutionResult{Outcome: domain.OutcomeControllerRejected, Response: resp}
	default:
		return domain.ExecutionResult{Outcome: domain.OutcomeFailed, Response: err.Error()}
	}
}
