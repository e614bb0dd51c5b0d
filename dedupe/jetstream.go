package dedupe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultBucket = "qbatch_handled"

// JetStream keeps handled ids in a NATS JetStream key value bucket.
// Entries expire with the bucket TTL which is fixed to MaxAge when the bucket is created,
// so the ttl passed to Mark is ignored.
type JetStream struct {
	conn   *nats.Conn
	bucket nats.KeyValue
}

// NewJetStream connects to the server in rawURL, the url path names the bucket.
func NewJetStream(_ context.Context, rawURL string, opts ...Option) (*JetStream, error) {
	o := newOptions(opts...)

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse nats url: %w", err)
	}

	bucketName := strings.Trim(u.Path, "/")
	if bucketName == "" {
		bucketName = defaultBucket
	}
	u.Path = ""
	u.RawQuery = ""

	conn, err := nats.Connect(u.String(), nats.Timeout(connectionTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	bucket, err := openBucket(conn, bucketName, o.MaxAge)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &JetStream{conn: conn, bucket: bucket}, nil
}

func openBucket(conn *nats.Conn, name string, maxAge time.Duration) (nats.KeyValue, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("open jetstream: %w", err)
	}

	bucket, err := js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name, TTL: maxAge})
	if err != nil {
		var apiErr *nats.APIError
		if !errors.As(err, &apiErr) || apiErr.ErrorCode != nats.JSErrCodeStreamNameInUse {
			return nil, fmt.Errorf("create bucket %s: %w", name, err)
		}

		bucket, err = js.KeyValue(name)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", name, err)
		}
	}

	return bucket, nil
}

// bucketKey encodes id because key value keys only allow a restricted alphabet.
func bucketKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func (j *JetStream) Seen(_ context.Context, id string) (bool, error) {
	_, err := j.bucket.Get(bucketKey(id))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (j *JetStream) Mark(_ context.Context, id string, _ time.Duration) error {
	_, err := j.bucket.Put(bucketKey(id), []byte("1"))
	return err
}

func (j *JetStream) Close() error {
	return j.conn.Drain()
}
