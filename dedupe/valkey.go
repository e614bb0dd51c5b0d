package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Valkey keeps handled ids as expiring keys using the official Valkey client.
type Valkey struct {
	opts   Options
	client valkey.Client
}

// NewValkey connects to the server at rawURL, which uses the redis:// url form.
func NewValkey(ctx context.Context, rawURL string, opts ...Option) (*Valkey, error) {
	clientOpts, err := valkey.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey url: %w", err)
	}

	client, err := valkey.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to valkey: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err = client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to valkey: %w", err)
	}

	return &Valkey{
		opts:   newOptions(opts...),
		client: client,
	}, nil
}

func (v *Valkey) Seen(ctx context.Context, id string) (bool, error) {
	count, err := v.client.Do(ctx, v.client.B().Exists().Key(v.opts.key(id)).Build()).AsInt64()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *Valkey) Mark(ctx context.Context, id string, ttl time.Duration) error {
	// EX takes whole seconds, sub-second ttls round up to one.
	seconds := int64(v.opts.ttl(ttl).Seconds())
	if seconds == 0 {
		seconds = 1
	}

	cmd := v.client.B().Set().Key(v.opts.key(id)).Value("1").ExSeconds(seconds).Build()
	return v.client.Do(ctx, cmd).Error()
}

func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}
