package authx

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// minForcedRefresh bounds how often an unknown kid may trigger a JWKS fetch.
const minForcedRefresh = 30 * time.Second

// KeySet serves verification keys from an auto-refreshing JWKS cache. A token signed with a
// kid the cache has not seen forces one refresh so key rotation is picked up early.
type KeySet struct {
	url   string
	cache *jwk.Cache

	mu          sync.Mutex
	lastRefresh time.Time
}

func NewKeySet(url string, ttl time.Duration) (*KeySet, error) {
	cache := jwk.NewCache(context.Background())
	if err := cache.Register(url,
		jwk.WithRefreshInterval(ttl),
		jwk.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
	); err != nil {
		return nil, fmt.Errorf("register jwks %s: %w", url, err)
	}
	return &KeySet{url: url, cache: cache}, nil
}

func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	set, err := k.cache.Get(ctx, k.url)
	if err != nil {
		return nil, err
	}
	key, ok := set.LookupKeyID(kid)
	if !ok && k.mayForceRefresh() {
		if set, err = k.cache.Refresh(ctx, k.url); err != nil {
			return nil, err
		}
		key, ok = set.LookupKeyID(kid)
	}
	if !ok {
		return nil, ErrUnknownKID
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (k *KeySet) mayForceRefresh() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if time.Since(k.lastRefresh) < minForcedRefresh {
		return false
	}
	k.lastRefresh = time.Now()
	return true
}
