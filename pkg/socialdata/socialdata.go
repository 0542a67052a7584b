// Package socialdata serves social-platform profile data through the
// layered cache, in front of a slow upstream fetcher. Keys follow the
// social:<platform>:<dataType>:<identifier> convention so a refresh can
// invalidate every cached data type for one identity with a single
// pattern delete.
package socialdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hookrelay/hookrelay/pkg/cache"
	"github.com/hookrelay/hookrelay/pkg/observability"
)

// Supported platforms.
const (
	PlatformInstagram = "instagram"
	PlatformTikTok    = "tiktok"
	PlatformYouTube   = "youtube"
)

// Data types cached per identity.
const (
	DataTypeProfile   = "profile"
	DataTypePosts     = "posts"
	DataTypeFollowers = "followers"
)

// Fetcher retrieves social data from the upstream provider. Calls are
// slow and rate-limited upstream; the service shields it behind the
// cache.
type Fetcher interface {
	Fetch(ctx context.Context, platform, dataType, identifier string) (json.RawMessage, error)
}

// Service is a read-through cache over a Fetcher.
type Service struct {
	cache   *cache.Cache
	fetcher Fetcher
	ttl     time.Duration
	logger  *observability.Logger
}

// NewService creates the service. ttl bounds how long fetched data is
// served before the upstream is consulted again.
func NewService(c *cache.Cache, fetcher Fetcher, ttl time.Duration, logger *observability.Logger) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{cache: c, fetcher: fetcher, ttl: ttl, logger: logger}
}

// Key returns the cache key for one (platform, dataType, identifier).
func Key(platform, dataType, identifier string) string {
	return fmt.Sprintf("social:%s:%s:%s", platform, dataType, identifier)
}

// Get returns the cached value for (platform, dataType, identifier),
// fetching from upstream and populating the cache on a miss.
func (s *Service) Get(ctx context.Context, platform, dataType, identifier string) (json.RawMessage, error) {
	key := Key(platform, dataType, identifier)

	if data, ok := s.cache.Get(ctx, key); ok {
		return json.RawMessage(data), nil
	}

	data, err := s.fetcher.Fetch(ctx, platform, dataType, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s for %s: %w", platform, dataType, identifier, err)
	}

	s.cache.Set(ctx, key, data, s.ttl)
	s.logger.WithFields(map[string]interface{}{
		"platform":  platform,
		"data_type": dataType,
	}).Debug("Social data fetched and cached")
	return data, nil
}

// GetProfile is Get for the profile data type.
func (s *Service) GetProfile(ctx context.Context, platform, identifier string) (json.RawMessage, error) {
	return s.Get(ctx, platform, DataTypeProfile, identifier)
}

// Refresh drops every cached data type for one identity and re-fetches
// the requested data type. Stale siblings (posts, followers) repopulate
// lazily on their next read.
func (s *Service) Refresh(ctx context.Context, platform, dataType, identifier string) (json.RawMessage, error) {
	s.Invalidate(ctx, platform, identifier)
	return s.Get(ctx, platform, dataType, identifier)
}

// Invalidate removes all cached data types for one identity.
func (s *Service) Invalidate(ctx context.Context, platform, identifier string) {
	s.cache.DeletePattern(ctx, fmt.Sprintf("social:%s:*:%s", platform, identifier))
}
