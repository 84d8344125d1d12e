package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ETAnderson/catalogsync/internal/api/operatorctx"
)

const Issuer = "catalogsync"

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// LoadRSAPublicKeyFromEnv reads a PEM public key from an env var.
// It supports either a normal multi-line PEM, or a single-line PEM with \n escapes.
func LoadRSAPublicKeyFromEnv(envKey string) (*rsa.PublicKey, error) {
	raw, err := pemFromEnv(envKey)
	if err != nil {
		return nil, err
	}

	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("parse public key pem failed: %w", err)
	}

	return pub, nil
}

// LoadRSAPrivateKeyFromEnv accepts PKCS#1 and PKCS#8 keys.
func LoadRSAPrivateKeyFromEnv(envKey string) (*rsa.PrivateKey, error) {
	raw, err := pemFromEnv(envKey)
	if err != nil {
		return nil, err
	}
	return ParseRSAPrivateKeyPEM([]byte(raw))
}

func pemFromEnv(envKey string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw == "" {
		return "", fmt.Errorf("%s is not set", envKey)
	}
	// Allow PEM stored in env as a single line with "\n"
	return strings.ReplaceAll(raw, `\n`, "\n"), nil
}

func ParseRSAPrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("pem decode failed")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 private key failed: %w", err)
		}
		return priv, nil

	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 private key failed: %w", err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("pkcs8 key is not rsa")
		}
		return priv, nil

	default:
		return nil, fmt.Errorf("unsupported pem type: %s", block.Type)
	}
}

// GenerateKeyPair returns a PKCS#1 private key PEM and an SPKI public key PEM.
func GenerateKeyPair(bits int) (privPEM, pubPEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("keygen failed: %w", err)
	}

	privPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key failed: %w", err)
	}
	pubPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})
	return privPEM, pubPEM, nil
}

func ParseAndValidateRS256(tokenString string, pub *rsa.PublicKey) (*Claims, error) {
	if pub == nil {
		return nil, errors.New("public key is nil")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)

	tok, err := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected alg: %s", t.Method.Alg())
		}
		return pub, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token")
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("sub missing")
	}
	switch claims.Role {
	case "":
		claims.Role = operatorctx.RoleViewer
	case operatorctx.RoleOperator, operatorctx.RoleViewer:
	default:
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}

	return claims, nil
}

// SignRS256 mints an operator token.
func SignRS256(priv *rsa.PrivateKey, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()

	c := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	return tok.SignedString(priv)
}
