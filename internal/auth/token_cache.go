package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	verifiedTokenPrefix = "verified_token:"
	// expiryBuffer keeps a cached verification from outliving its token.
	expiryBuffer = 60 * time.Second
)

// VerificationCache short-circuits repeated OIDC verification of the same
// bearer token. Keys are token hashes; raw tokens never touch Redis.
type VerificationCache struct {
	Client *redis.Client
}

func NewVerificationCache(client *redis.Client) *VerificationCache {
	return &VerificationCache{Client: client}
}

func tokenKey(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return verifiedTokenPrefix + hex.EncodeToString(sum[:])
}

// Lookup returns the cached subject for a previously verified token. Cache
// errors degrade to a miss; the caller falls back to full verification.
func (c *VerificationCache) Lookup(ctx context.Context, rawToken string) (string, bool) {
	if c.Client == nil {
		return "", false
	}
	sub, err := c.Client.Get(ctx, tokenKey(rawToken)).Result()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

// Store caches a verified subject until shortly before the token expires.
func (c *VerificationCache) Store(ctx context.Context, rawToken, sub string, expiresAt time.Time) {
	if c.Client == nil {
		return
	}
	ttl := time.Until(expiresAt) - expiryBuffer
	if ttl <= 0 {
		return
	}
	c.Client.Set(ctx, tokenKey(rawToken), sub, ttl)
}
