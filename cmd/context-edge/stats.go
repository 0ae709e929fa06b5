package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var statsMetrics = []string{
	"ctxedge_fusions_total",
	"ctxedge_recommendations_created_total",
	"ctxedge_executions_total",
	"ctxedge_queue_length",
	"ctxedge_audit_spool_size_bytes",
	"ctxedge_registered_adapters",
}

type statsSnapshot map[string]float64

func fetchStats(ctx context.Context, url string) (statsSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return parseStats(resp.Body)
}

// parseStats reads the text exposition format. Labelled series of the
// same metric are summed.
func parseStats(r io.Reader) (statsSnapshot, error) {
	out := make(statsSnapshot, len(statsMetrics))
	for _, m := range statsMetrics {
		out[m] = 0
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[0]
		if i := strings.IndexByte(name, '{'); i >= 0 {
			name = name[:i]
		}
		if _, ok := out[name]; !ok {
			continue
		}
		v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			continue
		}
		out[name] += v
	}
	return out, scanner.Err()
}

func (s statsSnapshot) String(at time.Time) string {
	return fmt.Sprintf("[%s] adapters=%.0f fusions=%.0f recommendations=%.0f executions=%.0f queue=%.0f spool_bytes=%.0f",
		at.Format(time.RFC3339),
		s["ctxedge_registered_adapters"],
		s["ctxedge_fusions_total"],
		s["ctxedge_recommendations_created_total"],
		s["ctxedge_executions_total"],
		s["ctxedge_queue_length"],
		s["ctxedge_audit_spool_size_bytes"],
	)
}
