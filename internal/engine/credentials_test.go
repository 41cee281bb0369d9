package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/forgepilot/orchestra/internal/agent"
)

func generateTestRSAKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, pemData
}

type stubSecretFetcher struct {
	secrets map[string]string
	fetchErr error
}

func (s *stubSecretFetcher) FetchSecret(ctx context.Context, path string) (string, error) {
	if s.fetchErr != nil {
		return "", s.fetchErr
	}
	v, ok := s.secrets[path]
	if !ok {
		return "", errors.New("secret not found")
	}
	return v, nil
}

func (s *stubSecretFetcher) Close() error { return nil }

func TestCredentialResolverPrefersInjectedOverFetcher(t *testing.T) {
	resolver := NewCredentialResolver(
		map[string]string{"claude-cli": "injected-key"},
		&stubSecretFetcher{secrets: map[string]string{"path/a": "fetched-key"}},
		map[string]string{"claude-cli": "path/a"},
		nil,
	)

	got, err := resolver.Resolve(context.Background(), "claude-cli")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "injected-key" {
		t.Errorf("Resolve() = %q, want %q", got, "injected-key")
	}
}

func TestCredentialResolverFallsBackToSecretFetcher(t *testing.T) {
	resolver := NewCredentialResolver(
		nil,
		&stubSecretFetcher{secrets: map[string]string{"path/a": "fetched-key"}},
		map[string]string{"claude-cli": "path/a"},
		nil,
	)

	got, err := resolver.Resolve(context.Background(), "claude-cli")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "fetched-key" {
		t.Errorf("Resolve() = %q, want %q", got, "fetched-key")
	}
}

func TestCredentialResolverFallsBackToSessionIssuer(t *testing.T) {
	_, pemData := generateTestRSAKeyPEM(t)
	issuer, err := NewJWTSessionIssuer("codex-cli", pemData, 10*time.Minute)
	if err != nil {
		t.Fatalf("NewJWTSessionIssuer() error = %v", err)
	}

	resolver := NewCredentialResolver(nil, nil, nil, map[string]SessionTokenIssuer{"codex-cli": issuer})

	got, err := resolver.Resolve(context.Background(), "codex-cli")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got == "" {
		t.Error("expected a non-empty session token")
	}
}

func TestCredentialResolverNoTierConfiguredReturnsAuthError(t *testing.T) {
	resolver := NewCredentialResolver(nil, nil, nil, nil)

	_, err := resolver.Resolve(context.Background(), "claude-cli")
	if err == nil {
		t.Fatal("expected error")
	}
	var agentErr *agent.Error
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected *agent.Error, got %T: %v", err, err)
	}
	if agentErr.Kind != agent.ErrorAuth {
		t.Errorf("Kind = %q, want %q", agentErr.Kind, agent.ErrorAuth)
	}
}

func TestJWTSessionIssuerCachesUntilNearExpiry(t *testing.T) {
	privateKey, pemData := generateTestRSAKeyPEM(t)
	issuer, err := NewJWTSessionIssuer("codex-cli", pemData, 10*time.Minute)
	if err != nil {
		t.Fatalf("NewJWTSessionIssuer() error = %v", err)
	}

	first, err := issuer.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	second, err := issuer.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if first != second {
		t.Error("expected cached token to be reused when well within ttl")
	}

	parsed, err := jwt.Parse(first, func(tok *jwt.Token) (interface{}, error) {
		return &privateKey.PublicKey, nil
	})
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	if parsed.Method.Alg() != "RS256" {
		t.Errorf("expected RS256, got %s", parsed.Method.Alg())
	}
}

func TestJWTSessionIssuerRefreshesWithinBuffer(t *testing.T) {
	_, pemData := generateTestRSAKeyPEM(t)
	issuer, err := NewJWTSessionIssuer("codex-cli", pemData, 2*time.Minute)
	if err != nil {
		t.Fatalf("NewJWTSessionIssuer() error = %v", err)
	}

	first, err := issuer.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	// ttl (2m) is inside sessionTokenRefreshBuffer (5m), so every call should
	// mint a fresh token rather than reuse the cached one.
	issuer.nowFunc = func() time.Time { return time.Now().Add(3 * time.Minute) }
	second, err := issuer.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if first == second {
		t.Error("expected a refreshed token once within the refresh buffer")
	}
}

func TestNewJWTSessionIssuerRejectsInvalidPEM(t *testing.T) {
	if _, err := NewJWTSessionIssuer("codex-cli", []byte("not a pem"), time.Minute); err == nil {
		t.Fatal("expected error for invalid PEM data")
	}
}
