package engine

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/forgepilot/orchestra/internal/agent"
	"github.com/forgepilot/orchestra/internal/cloud/gcp"
)

// sessionTokenRefreshBuffer mirrors the teacher's GitHub App token buffer:
// a token is refreshed once it is within this window of expiring.
const sessionTokenRefreshBuffer = 5 * time.Minute

// SessionTokenIssuer mints short-lived credentials for adapters that
// authenticate via signed session tokens rather than a static API key,
// generalizing the teacher's GitHub App installation-token flow to any
// adapter.
type SessionTokenIssuer interface {
	Token(ctx context.Context) (string, error)
}

// CredentialResolver resolves the credential an Adapter needs to run, in
// the order: an injected static map, a pluggable secret-manager fetch, then
// a signed session-token issuer. A miss at every tier is reported as an
// agent.Error with Kind AUTH so FallbackAdapter's authPolicy governs it.
type CredentialResolver struct {
	injected    map[string]string
	fetcher     gcp.SecretFetcher
	secretPaths map[string]string
	issuers     map[string]SessionTokenIssuer
}

// NewCredentialResolver builds a resolver. fetcher and secretPaths may be
// nil/empty if no secret-manager tier is configured for this run.
func NewCredentialResolver(injected map[string]string, fetcher gcp.SecretFetcher, secretPaths map[string]string, issuers map[string]SessionTokenIssuer) *CredentialResolver {
	if injected == nil {
		injected = map[string]string{}
	}
	if secretPaths == nil {
		secretPaths = map[string]string{}
	}
	if issuers == nil {
		issuers = map[string]SessionTokenIssuer{}
	}
	return &CredentialResolver{injected: injected, fetcher: fetcher, secretPaths: secretPaths, issuers: issuers}
}

// Resolve returns the credential to use for adapterName.
func (r *CredentialResolver) Resolve(ctx context.Context, adapterName string) (string, error) {
	if key, ok := r.injected[adapterName]; ok && key != "" {
		return key, nil
	}

	if path, ok := r.secretPaths[adapterName]; ok && path != "" && r.fetcher != nil {
		secret, err := r.fetcher.FetchSecret(ctx, path)
		if err != nil {
			return "", &agent.Error{Kind: agent.ErrorAuth, Message: fmt.Sprintf("secret fetch failed for %s", adapterName), Cause: err}
		}
		return secret, nil
	}

	if issuer, ok := r.issuers[adapterName]; ok {
		token, err := issuer.Token(ctx)
		if err != nil {
			return "", &agent.Error{Kind: agent.ErrorAuth, Message: fmt.Sprintf("session token mint failed for %s", adapterName), Cause: err}
		}
		return token, nil
	}

	return "", &agent.Error{Kind: agent.ErrorAuth, Message: fmt.Sprintf("no credential configured for adapter %s", adapterName)}
}

// JWTSessionIssuer mints RS256-signed JWTs on demand and caches the result
// until it falls within sessionTokenRefreshBuffer of expiring.
type JWTSessionIssuer struct {
	mu         sync.Mutex
	issuer     string
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	nowFunc    func() time.Time

	token     string
	expiresAt time.Time
}

// NewJWTSessionIssuer parses a PEM-encoded RSA private key and returns an
// issuer that signs JWTs identifying as issuer, each valid for ttl.
func NewJWTSessionIssuer(issuer string, privateKeyPEM []byte, ttl time.Duration) (*JWTSessionIssuer, error) {
	key, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse session-token private key: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &JWTSessionIssuer{issuer: issuer, privateKey: key, ttl: ttl, nowFunc: time.Now}, nil
}

// Token returns a cached token if it still has more than the refresh buffer
// of life left, minting a new one otherwise.
func (j *JWTSessionIssuer) Token(ctx context.Context) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.nowFunc()
	if j.token != "" && j.expiresAt.After(now.Add(sessionTokenRefreshBuffer)) {
		return j.token, nil
	}

	expiresAt := now.Add(j.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    j.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}

	j.token = signed
	j.expiresAt = expiresAt
	return signed, nil
}

func parseRSAPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}
