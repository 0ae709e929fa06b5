package opcua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/retry"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	Username        string        `yaml:"username" json:"username,omitempty"`
	PasswordEnv     string        `yaml:"password_env" json:"password_env,omitempty"`
	SecurityMode    string        `yaml:"security_mode" json:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy" json:"security_policy"`
	ApplicationName string        `yaml:"application_name" json:"application_name"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts" json:"connect_attempts"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "Context Edge"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "opc.tcp://") {
		return fmt.Errorf("endpoint %q must use opc.tcp://", c.Endpoint)
	}
	return nil
}

// ValidateAddress checks that a tag address is a parseable node ID.
func ValidateAddress(addr string) error {
	_, err := ua.ParseNodeID(addr)
	return err
}

type client interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	Close(ctx context.Context) error
}

type dialFunc func(endpoint string, opts ...opcua.Option) (client, error)

func dialClient(endpoint string, opts ...opcua.Option) (client, error) {
	c, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type node struct {
	tag domain.TagMapping
	id  *ua.NodeID
}

// Adapter reads and writes PLC tags over an OPC UA session. Calls are
// serialised on one session.
type Adapter struct {
	info  domain.AdapterInfo
	cfg   Config
	nodes []node
	dial  dialFunc

	mu     sync.Mutex
	client client
}

func New(info domain.AdapterInfo, cfg Config) (*Adapter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nodes := make([]node, 0, len(info.Tags))
	for _, t := range info.Tags {
		nid, err := ua.ParseNodeID(t.Address)
		if err != nil {
			return nil, fmt.Errorf("tag %s: parse node id %q: %w", t.Name, t.Address, err)
		}
		nodes = append(nodes, node{tag: t, id: nid})
	}
	return &Adapter{info: info, cfg: cfg, nodes: nodes, dial: dialClient}, nil
}

func (a *Adapter) Name() string               { return a.info.Name }
func (a *Adapter) Kind() domain.SourceKind    { return a.info.Kind }
func (a *Adapter) ReadTimeout() time.Duration { return a.info.ReadTimeout }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	rc := retry.DefaultConfig()
	rc.MaxAttempts = a.cfg.ConnectAttempts
	rc.InitialDelay = time.Second
	return retry.Do(ctx, rc, func(ctx context.Context) error {
		return a.connectLocked(ctx)
	})
}

func (a *Adapter) connectLocked(ctx context.Context) error {
	c, err := a.dial(a.cfg.Endpoint, a.buildClientOptions()...)
	if err != nil {
		return retry.Permanent(fmt.Errorf("opcua new client: %w", err))
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("opcua connect %s: %w", a.cfg.Endpoint, err)
	}
	a.client = c
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	c := a.client
	a.client = nil
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := c.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("opcua close: %w", err)
	}
	return nil
}

func (a *Adapter) ReadData(ctx context.Context, deviceID string) (domain.Reading, error) {
	if len(a.nodes) == 0 {
		return domain.Reading{Values: map[string]any{}, Timestamp: time.Now()}, nil
	}
	ids := make([]*ua.ReadValueID, len(a.nodes))
	for i, n := range a.nodes {
		ids[i] = &ua.ReadValueID{NodeID: n.id, AttributeID: ua.AttributeIDValue}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return domain.Reading{}, ports.ErrNotConnected
	}

	resp, err := a.client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        ids,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return domain.Reading{}, fmt.Errorf("opcua read: %w", err)
	}
	if len(resp.Results) != len(a.nodes) {
		return domain.Reading{}, fmt.Errorf("opcua read: %d results for %d nodes", len(resp.Results), len(a.nodes))
	}

	values := make(map[string]any, len(a.nodes))
	var ts time.Time
	for i, res := range resp.Results {
		n := a.nodes[i]
		if res == nil || res.Status != ua.StatusOK {
			continue
		}
		if v, ok := variantToValue(res.Value, n.tag); ok {
			values[n.tag.Name] = v
		}
		if res.SourceTimestamp.After(ts) {
			ts = res.SourceTimestamp
		}
	}
	if len(values) == 0 {
		return domain.Reading{}, errors.New("opcua read: no node returned a good value")
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.Reading{Values: values, Timestamp: ts}, nil
}

func (a *Adapter) WriteRegister(ctx context.Context, tag domain.TagMapping, raw float64) (string, error) {
	nid, err := ua.ParseNodeID(tag.Address)
	if err != nil {
		return "", fmt.Errorf("opcua write: %w", err)
	}
	variant, err := ua.NewVariant(rawToWire(raw, tag.RegisterType))
	if err != nil {
		return "", fmt.Errorf("opcua write: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return "", ports.ErrNotConnected
	}

	resp, err := a.client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("opcua write %s: %w", tag.Address, err)
	}
	if len(resp.Results) == 0 {
		return "", fmt.Errorf("opcua write %s: empty result", tag.Address)
	}
	if status := resp.Results[0]; status != ua.StatusOK {
		return status.Error(), fmt.Errorf("%w: node %s: %s", ports.ErrControllerRejected, tag.Address, status.Error())
	}
	return "Good", nil
}

// HealthCheck reads the server state node.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return ports.ErrNotConnected
	}
	resp, err := a.client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{
			NodeID:      ua.NewNumericNodeID(0, id.Server_ServerStatus_State),
			AttributeID: ua.AttributeIDValue,
		}},
	})
	if err != nil {
		return err
	}
	if len(resp.Results) == 0 || resp.Results[0].Status != ua.StatusOK {
		return errors.New("opcua server status not readable")
	}
	return nil
}

func (a *Adapter) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(a.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(a.cfg.SecurityPolicy)),
		opcua.ApplicationName(a.cfg.ApplicationName),
		opcua.RequestTimeout(a.cfg.RequestTimeout),
		opcua.AutoReconnect(true),
	}

	if a.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(a.cfg.Username, os.Getenv(a.cfg.PasswordEnv)))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func variantToValue(v *ua.Variant, tag domain.TagMapping) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch val := v.Value().(type) {
	case bool:
		return val, true
	case string:
		return val, true
	case time.Time:
		return domain.NormalizeValue(val), true
	}
	f, ok := variantToFloat(v)
	if !ok {
		return nil, false
	}
	return tag.FromRaw(f), true
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

// rawToWire picks the OPC UA scalar type for a write from the tag's
// register type. Double is the default.
func rawToWire(raw float64, dataType string) any {
	switch strings.ToLower(dataType) {
	case "float":
		return float32(raw)
	case "int16":
		return int16(raw)
	case "uint16":
		return uint16(raw)
	case "int32":
		return int32(raw)
	case "uint32":
		return uint32(raw)
	case "bool", "boolean":
		return raw != 0
	default:
		return raw
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Adapter = (*Adapter)(nil)
