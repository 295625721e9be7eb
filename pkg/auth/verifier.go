package auth

import (
	"context"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/utils/logging"
)

// GoogleSecureTokenJWKSURL publishes the keys that sign Firebase ID tokens
const GoogleSecureTokenJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

// RevocationSource reports whether a user's tokens are still honored
type RevocationSource interface {
	AccountState(ctx context.Context, uid string) (*model.AccountState, error)
}

// Verifier resolves Firebase ID tokens into identities
type Verifier struct {
	projectID  string
	keyFunc    jwt.Keyfunc
	revocation RevocationSource
	now        func() time.Time
	leeway     time.Duration
}

var _ interfaces.IdentityResolver = (*Verifier)(nil)

type Option func(*Verifier)

// WithRevocationCheck rejects tokens of disabled accounts and tokens issued
// before the user's revocation time
func WithRevocationCheck(src RevocationSource) Option {
	return func(v *Verifier) {
		v.revocation = src
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// NewVerifier creates a verifier with an explicit key function
func NewVerifier(projectID string, keyFunc jwt.Keyfunc, opts ...Option) *Verifier {
	v := &Verifier{
		projectID: projectID,
		keyFunc:   keyFunc,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewFirebaseVerifier creates a verifier that fetches signing keys from the
// JWKS endpoint. keyfunc caches and refreshes the key set in the background.
func NewFirebaseVerifier(ctx context.Context, projectID, jwksURL string, opts ...Option) (*Verifier, error) {
	if projectID == "" {
		return nil, goerr.New("project ID is required for token verification")
	}
	if jwksURL == "" {
		jwksURL = GoogleSecureTokenJWKSURL
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create JWKS client", goerr.V("jwks_url", jwksURL))
	}

	return NewVerifier(projectID, jwks.Keyfunc, opts...), nil
}

func unauthenticated(reason string, opts ...goerr.Option) error {
	return goerr.Wrap(model.ErrUnauthenticated, reason, opts...)
}

// Resolve verifies the credential and returns the identity it carries. Any
// failure, including a failed revocation lookup, yields model.ErrUnauthenticated.
func (v *Verifier) Resolve(ctx context.Context, credential string) (*model.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, unauthenticated("missing credential")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, v.keyFunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.projectID),
		jwt.WithIssuer("https://securetoken.google.com/"+v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !token.Valid {
		logging.From(ctx).Debug("token rejected", "error", err)
		return nil, unauthenticated("invalid token")
	}

	uid, err := claims.GetSubject()
	if err != nil || uid == "" {
		return nil, unauthenticated("token has no subject")
	}

	if v.revocation != nil {
		state, err := v.revocation.AccountState(ctx, uid)
		if err != nil {
			logging.From(ctx).Warn("revocation lookup failed", "uid", uid, "error", err)
			return nil, unauthenticated("revocation check failed", goerr.V("uid", uid))
		}
		if state.Disabled {
			return nil, unauthenticated("account is disabled", goerr.V("uid", uid))
		}
		validAfter := state.TokensValidAfter

		issuedAt, err := claims.GetIssuedAt()
		if err != nil || issuedAt == nil {
			return nil, unauthenticated("token has no issued-at", goerr.V("uid", uid))
		}
		if !validAfter.IsZero() && issuedAt.Time.Before(validAfter.Truncate(time.Second)) {
			return nil, unauthenticated("token has been revoked", goerr.V("uid", uid))
		}
	}

	identity := &model.Identity{
		UID:    uid,
		Claims: map[string]any(claims),
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}

	return identity, nil
}
