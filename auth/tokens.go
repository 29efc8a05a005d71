package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"backupxfer/models"
	"backupxfer/storage"
)

const (
	// DefaultTokenTTL is the lifetime of an issued bearer token.
	DefaultTokenTTL = 24 * time.Hour

	tokenIssuer = "backupxfer"
)

// TokenStore is the durable backing of TokenManager.
type TokenStore interface {
	SaveToken(ctx context.Context, token storage.TokenRecord) error
	GetTokenByHash(ctx context.Context, tokenHash string) (*storage.TokenRecord, error)
	TouchToken(ctx context.Context, tokenID string, at time.Time) error
	RevokeToken(ctx context.Context, tokenID string, at time.Time) error
	RevokeClientTokens(ctx context.Context, clientID string, at time.Time) (int64, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

type tokenClaims struct {
	Permissions []string `json:"perm"`
	jwt.RegisteredClaims
}

type cachedToken struct {
	token   models.AuthenticationToken
	revoked bool
}

// TokenManager issues HS256-signed bearer tokens. Only the SHA-256 of a bearer
// string is ever stored, in memory or on disk.
type TokenManager struct {
	store      TokenStore
	signingKey []byte
	ttl        time.Duration
	clock      Clock

	mu    sync.RWMutex
	cache map[string]*cachedToken
}

// NewTokenManager returns a manager signing with signingKey.
func NewTokenManager(store TokenStore, signingKey []byte, ttl time.Duration, clock Clock) (*TokenManager, error) {
	if store == nil {
		return nil, errors.New("token store is required")
	}
	if len(signingKey) < 32 {
		return nil, errors.New("signing key must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clock == nil {
		clock = SystemClock
	}
	return &TokenManager{
		store:      store,
		signingKey: signingKey,
		ttl:        ttl,
		clock:      clock,
		cache:      make(map[string]*cachedToken),
	}, nil
}

// Issue mints a token for clientID carrying a snapshot of permissions.
func (m *TokenManager) Issue(ctx context.Context, clientID string, permissions []string) (string, models.AuthenticationToken, error) {
	now := m.clock.Now()
	token := models.AuthenticationToken{
		TokenID:     uuid.NewString(),
		ClientID:    clientID,
		Permissions: append([]string(nil), permissions...),
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.ttl),
		LastUsedAt:  now,
	}

	claims := tokenClaims{
		Permissions: token.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   clientID,
			ID:        token.TokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
	}
	bearer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", models.AuthenticationToken{}, fmt.Errorf("sign token: %w", err)
	}

	tokenHash := hashToken(bearer)
	if err := m.store.SaveToken(ctx, storage.TokenRecord{AuthenticationToken: token, TokenHash: tokenHash}); err != nil {
		return "", models.AuthenticationToken{}, fmt.Errorf("persist token: %w", err)
	}

	m.mu.Lock()
	m.cache[tokenHash] = &cachedToken{token: token}
	m.mu.Unlock()

	return bearer, token, nil
}

// Validate checks signature, expiry and revocation of bearer, refreshes its
// last-used time and returns the authorization it grants.
func (m *TokenManager) Validate(ctx context.Context, bearer string) (models.AuthorizationContext, error) {
	now := m.clock.Now()

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(bearer, claims,
		func(*jwt.Token) (any, error) { return m.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.AuthorizationContext{}, models.ErrTokenExpired
		}
		return models.AuthorizationContext{}, models.ErrInvalidToken
	}

	tokenHash := hashToken(bearer)
	entry, err := m.lookup(ctx, tokenHash)
	if err != nil {
		return models.AuthorizationContext{}, err
	}
	if entry.revoked || entry.token.TokenID != claims.ID {
		return models.AuthorizationContext{}, models.ErrInvalidToken
	}
	if !now.Before(entry.token.ExpiresAt) {
		return models.AuthorizationContext{}, models.ErrTokenExpired
	}

	if err := m.store.TouchToken(ctx, entry.token.TokenID, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.forget(tokenHash)
			return models.AuthorizationContext{}, models.ErrInvalidToken
		}
		return models.AuthorizationContext{}, fmt.Errorf("%w: touch token: %v", models.ErrServiceUnavailable, err)
	}
	m.mu.Lock()
	if cached, ok := m.cache[tokenHash]; ok {
		cached.token.LastUsedAt = now
	}
	m.mu.Unlock()

	return models.AuthorizationContext{
		ClientID:    entry.token.ClientID,
		Permissions: append([]string(nil), entry.token.Permissions...),
		RequestTime: now,
	}, nil
}

// Revoke revokes the token identified by tokenID.
func (m *TokenManager) Revoke(ctx context.Context, tokenID string) error {
	if err := m.store.RevokeToken(ctx, tokenID, m.clock.Now()); err != nil {
		return fmt.Errorf("revoke token %q: %w", tokenID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.cache {
		if entry.token.TokenID == tokenID {
			entry.revoked = true
		}
	}
	return nil
}

// RevokeClient revokes every outstanding token of clientID.
func (m *TokenManager) RevokeClient(ctx context.Context, clientID string) (int64, error) {
	revoked, err := m.store.RevokeClientTokens(ctx, clientID, m.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("revoke tokens of %q: %w", clientID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.cache {
		if entry.token.ClientID == clientID {
			entry.revoked = true
		}
	}
	return revoked, nil
}

// SweepExpired drops expired and revoked tokens from memory and storage.
func (m *TokenManager) SweepExpired(ctx context.Context) (int64, error) {
	now := m.clock.Now()

	m.mu.Lock()
	for tokenHash, entry := range m.cache {
		if entry.revoked || !now.Before(entry.token.ExpiresAt) {
			delete(m.cache, tokenHash)
		}
	}
	m.mu.Unlock()

	deleted, err := m.store.DeleteExpiredTokens(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired tokens: %w", err)
	}
	return deleted, nil
}

// lookup returns a snapshot of the cached entry, loading it from the store on a miss.
func (m *TokenManager) lookup(ctx context.Context, tokenHash string) (cachedToken, error) {
	m.mu.RLock()
	entry, ok := m.cache[tokenHash]
	var snapshot cachedToken
	if ok {
		snapshot = *entry
	}
	m.mu.RUnlock()
	if ok {
		return snapshot, nil
	}

	record, err := m.store.GetTokenByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return cachedToken{}, models.ErrInvalidToken
		}
		return cachedToken{}, fmt.Errorf("%w: load token: %v", models.ErrServiceUnavailable, err)
	}

	entry = &cachedToken{token: record.AuthenticationToken, revoked: record.RevokedAt != nil}
	m.mu.Lock()
	if existing, ok := m.cache[tokenHash]; ok {
		entry = existing
	} else {
		m.cache[tokenHash] = entry
	}
	snapshot = *entry
	m.mu.Unlock()
	return snapshot, nil
}

func (m *TokenManager) forget(tokenHash string) {
	m.mu.Lock()
	delete(m.cache, tokenHash)
	m.mu.Unlock()
}

func hashToken(bearer string) string {
	sum := sha256.Sum256([]byte(bearer))
	return hex.EncodeToString(sum[:])
}
