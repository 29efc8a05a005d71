package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"backupxfer/crypto"
	"backupxfer/metrics"
	"backupxfer/models"
	"backupxfer/storage"
)

// CredentialStore is the durable client registry.
type CredentialStore interface {
	GetClient(ctx context.Context, clientID string) (*models.ClientCredentials, error)
	CreateClient(ctx context.Context, client models.ClientCredentials) error
	UpdateClient(ctx context.Context, client models.ClientCredentials) error
	SetClientActive(ctx context.Context, clientID string, active bool) error
}

// AuditLog receives one entry per authentication attempt and admin change.
type AuditLog interface {
	RecordAuditEvent(ctx context.Context, event models.AuditEvent) error
}

// GateOptions tunes lockout and hashing. Zero values select defaults.
type GateOptions struct {
	MaxAuthenticationAttempts int
	LockoutWindow             time.Duration
	MaxTrackedClients         int
	BcryptCost                int
	Clock                     Clock
	Logger                    zerolog.Logger
}

func (o GateOptions) withDefaults() GateOptions {
	if o.MaxAuthenticationAttempts <= 0 {
		o.MaxAuthenticationAttempts = DefaultMaxAuthenticationAttempts
	}
	if o.LockoutWindow <= 0 {
		o.LockoutWindow = DefaultLockoutWindow
	}
	if o.MaxTrackedClients <= 0 {
		o.MaxTrackedClients = DefaultMaxTrackedClients
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	return o
}

// Decision is a granted authentication.
type Decision struct {
	ClientID    string
	Token       string
	TokenID     string
	Permissions []string
	ExpiresAt   time.Time
}

// Gate is the single authority for authentication and authorization.
type Gate struct {
	credentials CredentialStore
	tokens      *TokenManager
	audit       AuditLog
	lockout     *LockoutTracker
	options     GateOptions
	logger      zerolog.Logger
}

// NewGate wires a gate. audit may be nil.
func NewGate(credentials CredentialStore, tokens *TokenManager, audit AuditLog, options GateOptions) *Gate {
	options = options.withDefaults()
	return &Gate{
		credentials: credentials,
		tokens:      tokens,
		audit:       audit,
		lockout:     NewLockoutTracker(options.MaxAuthenticationAttempts, options.LockoutWindow, options.MaxTrackedClients, options.Clock),
		options:     options,
		logger:      options.Logger.With().Str("component", "auth").Logger(),
	}
}

// AuthenticateCredential authenticates a wire credential (base64 of
// "clientId:clientSecret"). A malformed credential never reaches the store.
func (g *Gate) AuthenticateCredential(ctx context.Context, wire string) (Decision, error) {
	clientID, secret, err := DecodeCredential(wire)
	if err != nil {
		g.recordFailure(ctx, "", models.KindMalformedCredential)
		return Decision{}, err
	}
	return g.Authenticate(ctx, clientID, secret)
}

// Authenticate verifies clientID/secret and mints a token. Failures are
// *models.AuthError values matching models.ErrAuthenticationFailed; store
// outages are returned wrapped in models.ErrServiceUnavailable instead.
func (g *Gate) Authenticate(ctx context.Context, clientID, secret string) (Decision, error) {
	if clientID == "" || secret == "" {
		g.recordFailure(ctx, clientID, models.KindMalformedCredential)
		return Decision{}, &models.AuthError{Kind: models.KindMalformedCredential, ClientID: clientID}
	}

	if locked, until := g.lockout.Locked(clientID); locked {
		g.logger.Warn().Str("client_id", clientID).Time("locked_until", until).Msg("authentication short-circuited by lockout")
		g.recordAttempt(ctx, clientID, models.KindTemporarilyLocked)
		return Decision{}, &models.AuthError{Kind: models.KindTemporarilyLocked, ClientID: clientID}
	}

	client, err := g.credentials.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Decision{}, g.fail(ctx, clientID, models.KindUnknownClient)
		}
		return Decision{}, fmt.Errorf("%w: load client: %v", models.ErrServiceUnavailable, err)
	}

	switch {
	case !client.IsActive:
		return Decision{}, g.fail(ctx, clientID, models.KindClientDisabled)
	case client.Expired(g.options.Clock.Now()):
		return Decision{}, g.fail(ctx, clientID, models.KindClientExpired)
	case !crypto.VerifySecret(client.SecretHash, secret):
		return Decision{}, g.fail(ctx, clientID, models.KindInvalidSecret)
	}

	g.lockout.RecordSuccess(clientID)

	bearer, token, err := g.tokens.Issue(ctx, clientID, client.Permissions)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: issue token: %v", models.ErrServiceUnavailable, err)
	}

	g.recordAttempt(ctx, clientID, "")
	g.logger.Info().
		Str("client_id", clientID).
		Str("token_id", token.TokenID).
		Time("expires_at", token.ExpiresAt).
		Msg("client authenticated")

	return Decision{
		ClientID:    clientID,
		Token:       bearer,
		TokenID:     token.TokenID,
		Permissions: token.Permissions,
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

// Validate resolves a bearer token into an authorization context.
func (g *Gate) Validate(ctx context.Context, bearer string) (models.AuthorizationContext, error) {
	authz, err := g.tokens.Validate(ctx, bearer)
	if err != nil {
		g.logger.Debug().Err(err).Msg("token rejected")
		return models.AuthorizationContext{}, err
	}
	return authz, nil
}

// Authorize validates bearer and requires permission.
func (g *Gate) Authorize(ctx context.Context, bearer, permission string) (models.AuthorizationContext, error) {
	authz, err := g.Validate(ctx, bearer)
	if err != nil {
		return models.AuthorizationContext{}, err
	}
	if !authz.HasPermission(permission) {
		g.logger.Warn().Str("client_id", authz.ClientID).Str("permission", permission).Msg("permission denied")
		return models.AuthorizationContext{}, models.ErrPermissionDenied
	}
	return authz, nil
}

// SweepLockouts drops idle lockout counters.
func (g *Gate) SweepLockouts() int {
	return g.lockout.Sweep()
}

func (g *Gate) fail(ctx context.Context, clientID string, kind models.ErrorKind) error {
	g.recordFailure(ctx, clientID, kind)
	return &models.AuthError{Kind: kind, ClientID: clientID}
}

func (g *Gate) recordFailure(ctx context.Context, clientID string, kind models.ErrorKind) {
	lockedNow := false
	if clientID != "" && kind != models.KindMalformedCredential {
		lockedNow = g.lockout.RecordFailure(clientID)
	}

	g.logger.Warn().
		Str("client_id", clientID).
		Str("kind", string(kind)).
		Bool("locked", lockedNow).
		Msg("authentication failed")
	g.recordAttempt(ctx, clientID, kind)
}

// recordAttempt writes the audit entry. kind is empty on success. Neither the
// secret nor the token is ever part of the entry.
func (g *Gate) recordAttempt(ctx context.Context, clientID string, kind models.ErrorKind) {
	outcome := models.AuditOutcomeSuccess
	if kind != "" {
		outcome = models.AuditOutcomeFailure
	}
	metrics.AuthAttemptsTotal.WithLabelValues(outcome, string(kind)).Inc()

	if g.audit == nil {
		return
	}
	event := models.AuditEvent{
		Timestamp:  g.options.Clock.Now(),
		Action:     models.AuditActionAuthAttempt,
		Outcome:    outcome,
		RemoteAddr: RemoteAddr(ctx),
	}
	if clientID != "" {
		event.ClientID = &clientID
	}
	if kind != "" {
		k := string(kind)
		event.FailureKind = &k
	}
	g.writeAudit(ctx, event)
}

func (g *Gate) writeAudit(ctx context.Context, event models.AuditEvent) {
	if g.audit == nil {
		return
	}
	if err := g.audit.RecordAuditEvent(context.WithoutCancel(ctx), event); err != nil {
		g.logger.Error().Err(err).Str("action", event.Action).Msg("write audit event")
	}
}

func auditDetails(fields map[string]any) string {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

type remoteAddrKey struct{}

// WithRemoteAddr records the peer address for audit entries.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

// RemoteAddr returns the peer address stored by WithRemoteAddr.
func RemoteAddr(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	return addr
}
