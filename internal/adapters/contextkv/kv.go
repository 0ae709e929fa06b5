package contextkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type Config struct {
	URL          string        `yaml:"url"`
	Bucket       string        `yaml:"bucket"`
	KeyPrefix    string        `yaml:"key_prefix"`
	CreateBucket bool          `yaml:"create_bucket"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.Bucket == "" {
		c.Bucket = "context"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "context."
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// KVLookup resolves CIDs from a JetStream key-value bucket.
type KVLookup struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	prefix string
}

func Dial(ctx context.Context, cfg Config) (*KVLookup, error) {
	cfg.ApplyDefaults()
	if cfg.URL == "" {
		return nil, errors.New("context kv: url is required")
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("context-edge"),
		nats.Timeout(cfg.DialTimeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("context kv: connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("context kv: jetstream: %w", err)
	}
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) && cfg.CreateBucket {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: cfg.Bucket})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("context kv: bucket %s: %w", cfg.Bucket, err)
	}
	return &KVLookup{conn: conn, kv: kv, prefix: cfg.KeyPrefix}, nil
}

func NewKVLookup(kv jetstream.KeyValue, prefix string) *KVLookup {
	return &KVLookup{kv: kv, prefix: prefix}
}

func (l *KVLookup) Lookup(ctx context.Context, contextID string) (json.RawMessage, error) {
	entry, err := l.kv.Get(ctx, KeyFor(l.prefix, contextID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ports.ErrContextMiss
		}
		return nil, fmt.Errorf("context kv get %s: %w", contextID, err)
	}
	raw := entry.Value()
	if !json.Valid(raw) {
		return nil, fmt.Errorf("context kv %s: value is not JSON", contextID)
	}
	return json.RawMessage(raw), nil
}

func (l *KVLookup) Close() {
	if l.conn != nil {
		l.conn.Close()
	}
}

// KeyFor builds a bucket key, replacing characters NATS keys reject.
func KeyFor(prefix, contextID string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, r := range contextID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '=', r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var _ ports.ContextLookup = (*KVLookup)(nil)
