package identity

import (
	"context"
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures a JWTVerifier. Exactly one of Secret or PublicKey is set.
type JWTConfig struct {
	// Secret verifies HS256 tokens (e.g. tokens minted by a hosted auth service).
	Secret []byte

	// PublicKey verifies RS256, ES256 or EdDSA tokens.
	PublicKey crypto.PublicKey

	// Issuer and Audience, when set, must match the token's claims.
	Issuer   string
	Audience string

	// Leeway tolerates clock skew on exp/nbf. Default: 30s.
	Leeway time.Duration
}

// JWTVerifier validates locally signed tokens.
type JWTVerifier struct {
	key     any
	methods []string
	opts    []jwt.ParserOption
	now     func() time.Time
}

type userClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTVerifier creates a verifier for cfg.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	v := &JWTVerifier{now: time.Now}
	switch {
	case len(cfg.Secret) > 0 && cfg.PublicKey != nil:
		return nil, fmt.Errorf("jwt verifier: set either a secret or a public key, not both")
	case len(cfg.Secret) > 0:
		v.key = cfg.Secret
		v.methods = []string{jwt.SigningMethodHS256.Alg()}
	case cfg.PublicKey != nil:
		v.key = cfg.PublicKey
		v.methods = []string{
			jwt.SigningMethodRS256.Alg(),
			jwt.SigningMethodES256.Alg(),
			jwt.SigningMethodEdDSA.Alg(),
		}
	default:
		return nil, fmt.Errorf("jwt verifier: a secret or public key is required")
	}

	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	v.opts = []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	return v, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, rawToken string) (*Claims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrTokenMissing
	}

	claims := &userClaims{}
	parsed, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	out := &Claims{Subject: sub, Email: claims.Email}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
