package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// Config describes an HTTP/JSON endpoint of an MES, ERP, SCADA or
// historian system. Vendor fills in the endpoints it knows.
type Config struct {
	Vendor         string            `yaml:"vendor" json:"vendor,omitempty"`
	BaseURL        string            `yaml:"base_url" json:"base_url"`
	DataEndpoint   string            `yaml:"data_endpoint" json:"data_endpoint"`
	HealthEndpoint string            `yaml:"health_endpoint" json:"health_endpoint,omitempty"`
	WriteEndpoint  string            `yaml:"write_endpoint" json:"write_endpoint,omitempty"`
	Area           string            `yaml:"area" json:"area,omitempty"`
	APIKeyEnv      string            `yaml:"api_key_env" json:"api_key_env,omitempty"`
	Username       string            `yaml:"username" json:"username,omitempty"`
	PasswordEnv    string            `yaml:"password_env" json:"password_env,omitempty"`
	Headers        map[string]string `yaml:"headers" json:"headers,omitempty"`
	Timeout        time.Duration     `yaml:"timeout" json:"timeout"`
	Window         time.Duration     `yaml:"window" json:"window,omitempty"`
	ODataKeys      bool              `yaml:"odata_keys" json:"odata_keys,omitempty"`
}

func (c *Config) ApplyDefaults(kind domain.SourceKind) error {
	if err := c.applyPreset(kind); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if kind == domain.KindHistorian && c.Window <= 0 {
		c.Window = time.Hour
	}
	return nil
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an http(s) URL", c.BaseURL)
	}
	if c.DataEndpoint == "" {
		return errors.New("data_endpoint is required (or a known vendor)")
	}
	return nil
}

// Adapter reads one device's record from a REST endpoint. The request
// shape depends on the adapter kind.
type Adapter struct {
	info domain.AdapterInfo
	cfg  Config
	http *http.Client
	now  func() time.Time
}

func New(info domain.AdapterInfo, cfg Config, hc *http.Client) (*Adapter, error) {
	if err := cfg.ApplyDefaults(info.Kind); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, t := range info.Tags {
		if strings.TrimSpace(t.Address) == "" {
			return nil, fmt.Errorf("tag %s: address (json field) is required", t.Name)
		}
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{info: info, cfg: cfg, http: hc, now: time.Now}, nil
}

func (a *Adapter) Name() string               { return a.info.Name }
func (a *Adapter) Kind() domain.SourceKind    { return a.info.Kind }
func (a *Adapter) ReadTimeout() time.Duration { return a.info.ReadTimeout }

// Connect is a no-op; every call opens its own request.
func (a *Adapter) Connect(context.Context) error    { return nil }
func (a *Adapter) Disconnect(context.Context) error { a.http.CloseIdleConnections(); return nil }

func (a *Adapter) ReadData(ctx context.Context, deviceID string) (domain.Reading, error) {
	req, err := a.buildReadRequest(ctx, deviceID)
	if err != nil {
		return domain.Reading{}, err
	}
	body, status, err := a.do(req)
	if err != nil {
		return domain.Reading{}, err
	}
	if status < 200 || status > 299 {
		return domain.Reading{}, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, status, snippet(body))
	}

	obj, err := decodeRecord(body)
	if err != nil {
		return domain.Reading{}, fmt.Errorf("%s: %w", a.info.Name, err)
	}
	values := a.extract(obj)
	if a.info.Kind == domain.KindHistorian {
		values["time_window_minutes"] = a.cfg.Window.Minutes()
	}
	return domain.Reading{Values: values, Timestamp: recordTime(obj, a.now())}, nil
}

func (a *Adapter) buildReadRequest(ctx context.Context, deviceID string) (*http.Request, error) {
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + a.cfg.DataEndpoint

	switch a.info.Kind {
	case domain.KindSCADA:
		return a.newJSONRequest(ctx, endpoint, map[string]any{
			"tags": a.addresses(),
			"area": firstNonEmpty(a.cfg.Area, deviceID),
		})
	case domain.KindHistorian:
		end := a.now().UTC()
		return a.newJSONRequest(ctx, endpoint, map[string]any{
			"tags":        a.addresses(),
			"device_id":   deviceID,
			"start_time":  end.Add(-a.cfg.Window).Format(time.RFC3339),
			"end_time":    end.Format(time.RFC3339),
			"aggregation": "summary",
		})
	case domain.KindERP:
		if a.cfg.ODataKeys {
			endpoint += "('" + url.PathEscape(deviceID) + "')"
		} else {
			endpoint += "/" + url.PathEscape(deviceID)
		}
		return a.newRequest(ctx, http.MethodGet, endpoint, nil)
	case domain.KindMES:
		return a.newRequest(ctx, http.MethodGet, endpoint+"?station_id="+url.QueryEscape(deviceID), nil)
	default:
		return a.newRequest(ctx, http.MethodGet, endpoint+"?device_id="+url.QueryEscape(deviceID), nil)
	}
}

// WriteRegister posts {tag, value} to the write endpoint. 400, 409 and
// 422 answers are controller rejections.
func (a *Adapter) WriteRegister(ctx context.Context, tag domain.TagMapping, raw float64) (string, error) {
	if a.cfg.WriteEndpoint == "" {
		return "", ports.ErrWriteUnsupported
	}
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + a.cfg.WriteEndpoint
	req, err := a.newJSONRequest(ctx, endpoint, map[string]any{"tag": tag.Address, "value": raw})
	if err != nil {
		return "", err
	}
	body, status, err := a.do(req)
	if err != nil {
		return "", err
	}
	resp := snippet(body)
	switch {
	case status >= 200 && status <= 299:
		return resp, nil
	case status == http.StatusBadRequest || status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return resp, fmt.Errorf("%w: %s status %d: %s", ports.ErrControllerRejected, tag.Address, status, resp)
	default:
		return resp, fmt.Errorf("write %s: status %d", tag.Address, status)
	}
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + a.cfg.HealthEndpoint
	req, err := a.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	_, status, err := a.do(req)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("health %s: status %d", endpoint, status)
	}
	return nil
}

func (a *Adapter) newJSONRequest(ctx context.Context, endpoint string, payload any) (*http.Request, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := a.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *Adapter) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	switch {
	case a.cfg.APIKeyEnv != "":
		req.Header.Set("Authorization", "Bearer "+os.Getenv(a.cfg.APIKeyEnv))
	case a.cfg.Username != "":
		req.SetBasicAuth(a.cfg.Username, os.Getenv(a.cfg.PasswordEnv))
	}
	return req, nil
}

func (a *Adapter) do(req *http.Request) ([]byte, int, error) {
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (a *Adapter) addresses() []string {
	out := make([]string, 0, len(a.info.Tags))
	for _, t := range a.info.Tags {
		out = append(out, t.Address)
	}
	return out
}

// extract maps the response onto logical tag names. Without tags every
// scalar is kept; nested objects are flattened one level as parent_child.
func (a *Adapter) extract(obj map[string]any) map[string]any {
	values := make(map[string]any)
	if len(a.info.Tags) > 0 {
		for _, t := range a.info.Tags {
			v, ok := lookupPath(obj, t.Address)
			if !ok {
				continue
			}
			if f, isNum := v.(json.Number); isNum {
				if fv, err := f.Float64(); err == nil {
					values[t.Name] = t.FromRaw(fv)
					continue
				}
			}
			if nested, isObj := v.(map[string]any); isObj {
				flattenInto(values, t.Name, nested)
				continue
			}
			values[t.Name] = domain.NormalizeValue(v)
		}
		return values
	}
	for k, v := range obj {
		if nested, isObj := v.(map[string]any); isObj {
			flattenInto(values, lastSegment(k), nested)
			continue
		}
		if _, isArr := v.([]any); isArr {
			continue
		}
		values[lastSegment(k)] = domain.NormalizeValue(v)
	}
	return values
}

func flattenInto(dst map[string]any, prefix string, obj map[string]any) {
	for k, v := range obj {
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		dst[prefix+"_"+statSuffix(k)] = domain.NormalizeValue(v)
	}
}

// statSuffix shortens common summary names (average -> avg).
func statSuffix(k string) string {
	switch strings.ToLower(k) {
	case "average", "mean":
		return "avg"
	case "minimum":
		return "min"
	case "maximum":
		return "max"
	case "standarddeviation", "std_dev", "stdev":
		return "stddev"
	}
	return k
}

func decodeRecord(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	for i := 0; i < 3; i++ {
		switch v := doc.(type) {
		case []any:
			if len(v) == 0 {
				return nil, errors.New("empty result set")
			}
			doc = v[0]
			continue
		case map[string]any:
			if inner, ok := v["d"]; ok && len(v) == 1 {
				doc = inner
				continue
			}
			if inner, ok := v["value"].([]any); ok {
				doc = inner
				continue
			}
			return v, nil
		}
		break
	}
	if m, ok := doc.(map[string]any); ok {
		return m, nil
	}
	return nil, fmt.Errorf("unexpected response shape %T", doc)
}

func lookupPath(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func recordTime(obj map[string]any, fallback time.Time) time.Time {
	for _, k := range []string{"timestamp", "ts", "time"} {
		if s, ok := obj[k].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
	}
	return fallback
}

func lastSegment(k string) string {
	if i := strings.LastIndexAny(k, "/."); i >= 0 && i < len(k)-1 {
		return k[i+1:]
	}
	return k
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ ports.Adapter = (*Adapter)(nil)
