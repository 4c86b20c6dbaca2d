// Package demoauth provides JWT-based bearer authentication for the
// oplogwatchd demo HTTP API.
//
// Uses Ed25519 (EdDSA) for JWT signing. Keys can be loaded from PEM files
// or auto-generated for development.
package demoauth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims extends jwt.RegisteredClaims with the fields oplogwatchd needs to
// decide which collections a bearer may watch.
type Claims struct {
	jwt.RegisteredClaims
	Subject     string   `json:"sub_name"`
	Collections []string `json:"collections"` // collection names this bearer may watch; ["*"] permits all.
}

// Allows reports whether the token's claims permit watching collection.
func (c *Claims) Allows(collection string) bool {
	for _, allowed := range c.Collections {
		if allowed == "*" || allowed == collection {
			return true
		}
	}
	return false
}

// Manager handles JWT creation and validation using Ed25519.
type Manager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewManager creates a Manager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*Manager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("demoauth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("demoauth: generate key pair: %w", err)
		}
		return &Manager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("demoauth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("demoauth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("demoauth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("demoauth: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("demoauth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("demoauth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("demoauth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("demoauth: public key is not Ed25519")
	}

	// Catch misconfiguration (e.g. a private key from one environment paired
	// with a public key from another) rather than failing token validation later.
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("demoauth: public key does not match private key")
	}

	return &Manager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueToken creates a signed JWT authorizing subject to watch collections.
func (m *Manager) IssueToken(subject string, collections []string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "oplogwatchd",
			Audience:  jwt.ClaimStrings{"oplogwatchd"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Subject:     subject,
		Collections: collections,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("demoauth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *Manager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("demoauth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience("oplogwatchd"),
	)
	if err != nil {
		return nil, fmt.Errorf("demoauth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("demoauth: invalid token claims")
	}

	if claims.Issuer != "oplogwatchd" {
		return nil, fmt.Errorf("demoauth: invalid issuer: %s", claims.Issuer)
	}

	return claims, nil
}
