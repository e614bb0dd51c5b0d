// Package dedupe provides stores that remember which message ids were already handled successfully,
// so redelivered messages can be acknowledged without running their policy again.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/qbatch/batch"
)

const (
	defaultKeyPrefix  = "qbatch:handled:"
	defaultMaxAge     = 24 * time.Hour
	connectionTimeout = 5 * time.Second
)

// ErrUnsupportedScheme is returned by Open for a URL it has no store for.
var ErrUnsupportedScheme = errors.New("unsupported dedupe store scheme")

// Store is a Deduplicator that holds resources until closed.
type Store interface {
	batch.Deduplicator
	Close() error
}

// Options contains configuration shared by every store.
type Options struct {
	KeyPrefix string
	MaxAge    time.Duration
}

type Option func(*Options)

// WithKeyPrefix namespaces every id written by the store.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		o.KeyPrefix = prefix
	}
}

// WithMaxAge sets the retention used when Mark is called without a ttl.
func WithMaxAge(maxAge time.Duration) Option {
	return func(o *Options) {
		if maxAge > 0 {
			o.MaxAge = maxAge
		}
	}
}

func newOptions(opts ...Option) Options {
	o := Options{
		KeyPrefix: defaultKeyPrefix,
		MaxAge:    defaultMaxAge,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o Options) key(id string) string {
	return o.KeyPrefix + id
}

func (o Options) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return o.MaxAge
	}
	return ttl
}

// Open selects a store from the scheme of rawURL: mem://, redis:// (or rediss://),
// valkey:// and nats:// for a JetStream key value bucket.
func Open(ctx context.Context, rawURL string, opts ...Option) (Store, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse dedupe url: %w", err)
	}

	var store Store
	switch u.Scheme {
	case "mem", "memory":
		return NewMemory(opts...), nil
	case "redis", "rediss":
		store, err = NewRedis(ctx, u.String(), opts...)
	case "valkey", "valkeys":
		u.Scheme = strings.Replace(u.Scheme, "valkey", "redis", 1)
		store, err = NewValkey(ctx, u.String(), opts...)
	case "nats":
		store, err = NewJetStream(ctx, u.String(), opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if err != nil {
		return nil, err
	}
	return store, nil
}
