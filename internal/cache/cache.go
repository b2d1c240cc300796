package cache

import (
	"context"
	"time"
)

// WalkInCache remembers the walk-in client id per clinic. The row never changes once
// created, so a stale entry is impossible; a miss just falls through to storage.
type WalkInCache interface {
	GetWalkInClientID(ctx context.Context, clinicID string) (string, bool, error)
	SetWalkInClientID(ctx context.Context, clinicID string, clientID string, ttl time.Duration) error
}

type NoopWalkInCache struct{}

func (NoopWalkInCache) GetWalkInClientID(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}

func (NoopWalkInCache) SetWalkInClientID(_ context.Context, _ string, _ string, _ time.Duration) error {
	return nil
}
