package identity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const cacheKeyPrefix = "clinic:patient:"

// CachedDirectory is a read-through cache in front of another Directory.
// Only successful lookups are cached; a cache outage falls back to the
// inner directory.
type CachedDirectory struct {
	inner  Directory
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedDirectory(inner Directory, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedDirectory {
	return &CachedDirectory{inner: inner, client: client, ttl: ttl, logger: logger}
}

func cacheKey(id uuid.UUID) string { return cacheKeyPrefix + id.String() }

func (d *CachedDirectory) ResolvePatient(ctx context.Context, id uuid.UUID) (*PatientRef, error) {
	raw, err := d.client.Get(ctx, cacheKey(id)).Bytes()
	switch {
	case err == nil:
		var ref PatientRef
		if jerr := json.Unmarshal(raw, &ref); jerr == nil {
			return &ref, nil
		}
		d.logger.Warn().Str("patient_id", id.String()).Msg("discarding corrupt patient cache entry")
	case !errors.Is(err, redis.Nil):
		d.logger.Warn().Err(err).Msg("patient cache unavailable")
	}

	ref, err := d.inner.ResolvePatient(ctx, id)
	if err != nil {
		return nil, err
	}
	if payload, jerr := json.Marshal(ref); jerr == nil {
		if serr := d.client.Set(ctx, cacheKey(id), payload, d.ttl).Err(); serr != nil {
			d.logger.Warn().Err(serr).Msg("patient cache write failed")
		}
	}
	return ref, nil
}
