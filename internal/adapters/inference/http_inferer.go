package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// Heuristic settings apply when URL is empty.
	Heuristic HeuristicConfig `yaml:"heuristic"`
}

func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	c.Heuristic.ApplyDefaults()
}

// HTTPInferer posts the fused record to a model server and decodes
// {prediction, recommendation?}.
type HTTPInferer struct {
	url    string
	client *http.Client
}

func NewHTTP(url string, timeout time.Duration, hc *http.Client) *HTTPInferer {
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPInferer{url: url, client: hc}
}

func (h *HTTPInferer) Infer(ctx context.Context, rec domain.FusedRecord) (domain.InferenceResult, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return domain.InferenceResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return domain.InferenceResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return domain.InferenceResult{}, fmt.Errorf("inference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.InferenceResult{}, fmt.Errorf("inference: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out domain.InferenceResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.InferenceResult{}, fmt.Errorf("inference: decode: %w", err)
	}
	if out.Prediction.Label == "" {
		return domain.InferenceResult{}, errors.New("inference: response has no prediction label")
	}
	if p := out.Proposal; p != nil {
		if p.ModelVersion == "" {
			p.ModelVersion = out.Prediction.ModelVersion
		}
		if p.Confidence == 0 {
			p.Confidence = out.Prediction.Confidence
		}
	}
	return out, nil
}

var _ ports.Inferer = (*HTTPInferer)(nil)
