package usertoken

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"cube/pkg/domain"
)

const (
	defaultIssuer   = "cube-auth"
	defaultAudience = "cube-listing"
	defaultLeeway   = 30 * time.Second
	minSecretLength = 32
)

var (
	ErrMissingSecret  = errors.New("token secret must be at least 32 bytes")
	ErrSubjectMissing = errors.New("token subject missing")
)

// Claims is the caller context carried by an access token.
type Claims struct {
	Staff bool `json:"staff"`
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Config configures access-token verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates HS256 access tokens issued by the campus sign-on service.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < minSecretLength {
		return nil, ErrMissingSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}, nil
}

// VerifyCaller validates token and returns the caller it names.
func (v *Verifier) VerifyCaller(token string) (domain.Caller, error) {
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return domain.Caller{}, err
	}
	if !parsed.Valid {
		return domain.Caller{}, errors.New("invalid token")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Caller{}, ErrSubjectMissing
	}
	return domain.Caller{UserID: subject, IsStaff: claims.Staff || claims.Admin, IsAdmin: claims.Admin}, nil
}

// Issue signs a token for caller valid for ttl. Used by local tooling and tests.
func (v *Verifier) Issue(caller domain.Caller, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Staff: caller.IsStaff || caller.IsAdmin,
		Admin: caller.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.UserID,
			Issuer:    v.issuer,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
