package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"dss/internal/server/checksum"
	"dss/internal/server/database"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultTokenCacheTTL bounds how long a verified bearer skips bcrypt.
	DefaultTokenCacheTTL = 5 * time.Minute

	secretLength = 32
)

type cachedToken struct {
	token     database.AuthorizationToken
	expiresAt time.Time
}

// Authorizer maps bearer credentials of the form "<token id>.<secret>" to
// the namespace of the token.
type Authorizer struct {
	store database.Store
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[checksum.Digest]cachedToken
}

func NewAuthorizer(store database.Store, ttl time.Duration) *Authorizer {
	if ttl <= 0 {
		ttl = DefaultTokenCacheTTL
	}
	return &Authorizer{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[checksum.Digest]cachedToken),
	}
}

func parseBearer(bearer string) (uuid.UUID, string, bool) {
	bearer = strings.TrimSpace(bearer)
	if len(bearer) > 7 && strings.EqualFold(bearer[:7], "bearer ") {
		bearer = strings.TrimSpace(bearer[7:])
	}
	rawID, secret, ok := strings.Cut(bearer, ".")
	if !ok || secret == "" {
		return uuid.Nil, "", false
	}
	id, err := uuid.FromString(rawID)
	if err != nil {
		return uuid.Nil, "", false
	}
	return id, secret, true
}

// ResolveNamespace returns the token the bearer belongs to, or
// ErrUnauthorized.
func (a *Authorizer) ResolveNamespace(ctx context.Context, bearer string) (*database.AuthorizationToken, error) {
	id, secret, ok := parseBearer(bearer)
	if !ok {
		return nil, ErrUnauthorized
	}

	key := cacheKey(id, secret)
	if token, ok := a.cached(key); ok {
		return token, nil
	}

	var token *database.AuthorizationToken
	err := a.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		token, err = tx.TokenByID(ctx, id)
		return err
	})
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(token.SecretHash, []byte(secret)); err != nil {
		slog.Warn("invalid token secret", "token_id", id)
		return nil, ErrUnauthorized
	}

	a.mu.Lock()
	a.cache[key] = cachedToken{token: *token, expiresAt: a.now().Add(a.ttl)}
	a.mu.Unlock()
	return token, nil
}

func cacheKey(id uuid.UUID, secret string) checksum.Digest {
	return checksum.Sum([]byte(id.String() + "." + secret))
}

func (a *Authorizer) cached(key checksum.Digest) (*database.AuthorizationToken, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.cache[key]
	if !ok {
		return nil, false
	}
	if a.now().After(entry.expiresAt) {
		delete(a.cache, key)
		return nil, false
	}
	token := entry.token
	return &token, true
}

// TokenForNamespace returns the token that owns namespace.
func (a *Authorizer) TokenForNamespace(ctx context.Context, namespace string) (*database.AuthorizationToken, error) {
	var token *database.AuthorizationToken
	err := a.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		token, err = tx.TokenByNamespace(ctx, namespace)
		return err
	})
	if err != nil {
		return nil, notFound(err)
	}
	return token, nil
}

// ErrNamespaceTaken is returned by Mint when the namespace already has a
// token.
var ErrNamespaceTaken = errors.New("namespace already has a token")

// Mint creates a token for namespace and returns its bearer credential.
// The secret is only ever available here.
func (a *Authorizer) Mint(ctx context.Context, namespace, description string) (string, *database.AuthorizationToken, error) {
	if namespace == "" || strings.ContainsAny(namespace, "/ ") {
		return "", nil, fmt.Errorf("%w: invalid namespace %q", ErrBadRequest, namespace)
	}

	secret, err := generateSecureToken(secretLength)
	if err != nil {
		return "", nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash token secret: %w", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token id: %w", err)
	}

	token := &database.AuthorizationToken{
		ID:          id,
		SecretHash:  hash,
		Description: description,
		Namespace:   namespace,
		CreatedAt:   a.now().UTC(),
	}
	err = a.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		if _, err := tx.TokenByNamespace(ctx, namespace); err == nil {
			return ErrNamespaceTaken
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}
		return tx.InsertToken(ctx, token)
	})
	if err != nil {
		return "", nil, err
	}

	slog.Info("token minted", "token_id", id, "namespace", namespace)
	return id.String() + "." + secret, token, nil
}

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}
