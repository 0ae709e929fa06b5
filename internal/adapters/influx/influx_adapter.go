package influx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdomain "github.com/influxdata/influxdb-client-go/v2/domain"
)

type Config struct {
	URL         string        `yaml:"url" json:"url"`
	TokenEnv    string        `yaml:"token_env" json:"token_env,omitempty"`
	Org         string        `yaml:"org" json:"org"`
	Bucket      string        `yaml:"bucket" json:"bucket"`
	Measurement string        `yaml:"measurement" json:"measurement"`
	DeviceTag   string        `yaml:"device_tag" json:"device_tag"`
	Window      time.Duration `yaml:"window" json:"window"`
}

func (c *Config) ApplyDefaults() {
	if c.DeviceTag == "" {
		c.DeviceTag = "device_id"
	}
	if c.Window <= 0 {
		c.Window = time.Hour
	}
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.Org == "" || c.Bucket == "" {
		return errors.New("org and bucket are required")
	}
	if c.Measurement == "" {
		return errors.New("measurement is required")
	}
	return nil
}

type point struct {
	field string
	value float64
}

// querier runs a Flux query and returns numeric points.
type querier interface {
	query(ctx context.Context, flux string) ([]point, error)
	ping(ctx context.Context) error
	close()
}

type clientQuerier struct {
	client influxdb2.Client
	org    string
}

func (q *clientQuerier) query(ctx context.Context, flux string) ([]point, error) {
	result, err := q.client.QueryAPI(q.org).Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	var out []point
	for result.Next() {
		rec := result.Record()
		v, ok := domain.AsFloat(rec.Value())
		if !ok {
			continue
		}
		out = append(out, point{field: rec.Field(), value: v})
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *clientQuerier) ping(ctx context.Context) error {
	h, err := q.client.Health(ctx)
	if err != nil {
		return err
	}
	if h.Status != influxdomain.HealthCheckStatusPass {
		msg := ""
		if h.Message != nil {
			msg = *h.Message
		}
		return fmt.Errorf("influx health %s: %s", h.Status, msg)
	}
	return nil
}

func (q *clientQuerier) close() { q.client.Close() }

// Adapter summarises a time window of historian data per device:
// <field>_avg, _min, _max, _stddev and _count.
type Adapter struct {
	info   domain.AdapterInfo
	cfg    Config
	q      querier
	dialFn func(Config) querier
}

func New(info domain.AdapterInfo, cfg Config) (*Adapter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{info: info, cfg: cfg, dialFn: dial}, nil
}

func dial(cfg Config) querier {
	return &clientQuerier{
		client: influxdb2.NewClient(cfg.URL, os.Getenv(cfg.TokenEnv)),
		org:    cfg.Org,
	}
}

func (a *Adapter) Name() string               { return a.info.Name }
func (a *Adapter) Kind() domain.SourceKind    { return a.info.Kind }
func (a *Adapter) ReadTimeout() time.Duration { return a.info.ReadTimeout }

func (a *Adapter) Connect(ctx context.Context) error {
	if a.q == nil {
		a.q = a.dialFn(a.cfg)
	}
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	if a.q != nil {
		a.q.close()
		a.q = nil
	}
	return nil
}

func (a *Adapter) ReadData(ctx context.Context, deviceID string) (domain.Reading, error) {
	if a.q == nil {
		return domain.Reading{}, ports.ErrNotConnected
	}
	points, err := a.q.query(ctx, a.flux(deviceID))
	if err != nil {
		return domain.Reading{}, fmt.Errorf("influx query: %w", err)
	}
	values := summarize(points, a.fieldNames())
	values["time_window_minutes"] = a.cfg.Window.Minutes()
	return domain.Reading{Values: values, Timestamp: time.Now()}, nil
}

func (a *Adapter) WriteRegister(context.Context, domain.TagMapping, float64) (string, error) {
	return "", ports.ErrWriteUnsupported
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.q == nil {
		return ports.ErrNotConnected
	}
	return a.q.ping(ctx)
}

// fieldNames maps influx field -> logical name from the tag list.
func (a *Adapter) fieldNames() map[string]string {
	names := make(map[string]string, len(a.info.Tags))
	for _, t := range a.info.Tags {
		names[t.Address] = t.Name
	}
	return names
}

func (a *Adapter) flux(deviceID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", a.cfg.Bucket)
	fmt.Fprintf(&b, "  |> range(start: -%ds)\n", int64(a.cfg.Window/time.Second))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q and r[%q] == %q)\n", a.cfg.Measurement, a.cfg.DeviceTag, deviceID)
	if len(a.info.Tags) > 0 {
		conds := make([]string, 0, len(a.info.Tags))
		for _, t := range a.info.Tags {
			conds = append(conds, fmt.Sprintf("r._field == %q", t.Address))
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(conds, " or "))
	}
	return b.String()
}

func summarize(points []point, names map[string]string) map[string]any {
	byField := make(map[string][]float64)
	for _, p := range points {
		byField[p.field] = append(byField[p.field], p.value)
	}
	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make(map[string]any, len(fields)*5+1)
	for _, f := range fields {
		vals := byField[f]
		name := f
		if n, ok := names[f]; ok {
			name = n
		}
		var sum float64
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range vals {
			sum += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		mean := sum / float64(len(vals))
		var sq float64
		for _, v := range vals {
			sq += (v - mean) * (v - mean)
		}
		out[name+"_avg"] = mean
		out[name+"_min"] = lo
		out[name+"_max"] = hi
		out[name+"_stddev"] = math.Sqrt(sq / float64(len(vals)))
		out[name+"_count"] = float64(len(vals))
	}
	return out
}

var _ ports.Adapter = (*Adapter)(nil)
