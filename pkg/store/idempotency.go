package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInFlight       = errors.New("request with this idempotency key is in flight")
	ErrKeyConflict    = errors.New("idempotency key reused with a different request")
	ErrInvalidRequest = errors.New("invalid idempotency key")
)

const (
	DefaultIdempotencyPrefix = "treasury:idem:"
	DefaultIdempotencyTTL    = 24 * time.Hour
	maxKeyLen                = 128
	pendingMarker            = "pending:"
)

// Response is the replayable outcome of a mutating request.
type Response struct {
	Fingerprint string          `json:"fingerprint"`
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body"`
}

// Idempotency remembers the response of each keyed request so a retried
// request replays it instead of repeating the operation.
type Idempotency struct {
	Cache  Cache
	Prefix string
	TTL    time.Duration
}

func NewIdempotency(cache Cache, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{Cache: cache, Prefix: DefaultIdempotencyPrefix, TTL: ttl}
}

func (i *Idempotency) key(scope, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > maxKeyLen {
		return "", fmt.Errorf("%w: length must be 1..%d", ErrInvalidRequest, maxKeyLen)
	}
	return i.Prefix + scope + ":" + key, nil
}

// Begin claims key for a request identified by fingerprint. A completed earlier
// request returns its response and replay=true.
func (i *Idempotency) Begin(ctx context.Context, scope, key, fingerprint string) (resp Response, replay bool, err error) {
	k, err := i.key(scope, key)
	if err != nil {
		return Response{}, false, err
	}
	ok, err := i.Cache.SetNX(ctx, k, pendingMarker+fingerprint, i.TTL)
	if err != nil {
		return Response{}, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return Response{}, false, nil
	}
	raw, err := i.Cache.Get(ctx, k)
	if errors.Is(err, ErrCacheMiss) {
		return i.Begin(ctx, scope, key, fingerprint)
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("read idempotency key: %w", err)
	}
	if strings.HasPrefix(raw, pendingMarker) {
		if strings.TrimPrefix(raw, pendingMarker) != fingerprint {
			return Response{}, false, ErrKeyConflict
		}
		return Response{}, false, ErrInFlight
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode idempotent response: %w", err)
	}
	if resp.Fingerprint != fingerprint {
		return Response{}, false, ErrKeyConflict
	}
	return resp, true, nil
}

// Finish stores the response for replay.
func (i *Idempotency) Finish(ctx context.Context, scope, key string, resp Response) error {
	k, err := i.key(scope, key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.Cache.Set(ctx, k, string(raw), i.TTL)
}

// Abort releases a claimed key so the request may be retried.
func (i *Idempotency) Abort(ctx context.Context, scope, key string) error {
	k, err := i.key(scope, key)
	if err != nil {
		return err
	}
	return i.Cache.Del(ctx, k)
}
