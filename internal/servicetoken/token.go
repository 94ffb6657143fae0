package servicetoken

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"cube/internal/util"
)

const (
	// DefaultTokenTTL is the lifetime of a service token.
	DefaultTokenTTL = 60 * time.Second
	// DefaultKeyID is sent as kid when none is configured.
	DefaultKeyID = "cube-active"
)

// Signer issues short-lived RS256 tokens that identify this service to
// other campus systems, such as the student directory.
type Signer struct {
	issuer string
	ttl    time.Duration
	key    *rsa.PrivateKey
	kid    string
}

// SignerOptions configures a Signer.
type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// NewSignerWithOptions loads the private key and creates a signer.
func NewSignerWithOptions(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := loadRSAPrivateKeyFromPEMFile(path)
	if err != nil {
		return nil, fmt.Errorf("load service jwt private key: %w", err)
	}
	return NewSigner(key, issuer, opts.KeyID, opts.TTL), nil
}

// NewSigner creates a signer from an in-memory key.
func NewSigner(key *rsa.PrivateKey, issuer, kid string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	kid = strings.TrimSpace(kid)
	if kid == "" {
		kid = DefaultKeyID
	}
	return &Signer{issuer: issuer, ttl: ttl, key: key, kid: kid}
}

// Sign issues a token for audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        util.NewID(),
	})
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// Transport adds a fresh service token for Audience to every request.
type Transport struct {
	Signer   *Signer
	Audience string
	Base     http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.Signer.Sign(t.Audience)
	if err != nil {
		return nil, fmt.Errorf("sign service token: %w", err)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(clone)
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}
