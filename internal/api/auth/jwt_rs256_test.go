package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/ETAnderson/catalogsync/internal/api/operatorctx"
)

func TestSignAndParse_RoundTrip(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, err := ParseRSAPrivateKeyPEM(privPEM)
	if err != nil {
		t.Fatalf("ParseRSAPrivateKeyPEM: %v", err)
	}

	t.Setenv("TEST_JWT_PUB", string(pubPEM))
	pub, err := LoadRSAPublicKeyFromEnv("TEST_JWT_PUB")
	if err != nil {
		t.Fatalf("LoadRSAPublicKeyFromEnv: %v", err)
	}

	tok, err := SignRS256(priv, "ops@example.com", operatorctx.RoleOperator, time.Minute)
	if err != nil {
		t.Fatalf("SignRS256: %v", err)
	}

	claims, err := ParseAndValidateRS256(tok, pub)
	if err != nil {
		t.Fatalf("ParseAndValidateRS256: %v", err)
	}
	if claims.Subject != "ops@example.com" || claims.Role != operatorctx.RoleOperator || claims.Issuer != Issuer {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseAndValidateRS256_RejectsMissingSubjectAndUnknownRole(t *testing.T) {
	privPEM, _, err := GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, err := ParseRSAPrivateKeyPEM(privPEM)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	noSub, _ := SignRS256(priv, "", operatorctx.RoleOperator, time.Minute)
	if _, err := ParseAndValidateRS256(noSub, &priv.PublicKey); err == nil {
		t.Fatalf("expected error for missing sub")
	}

	badRole, _ := SignRS256(priv, "x", "root", time.Minute)
	if _, err := ParseAndValidateRS256(badRole, &priv.PublicKey); err == nil {
		t.Fatalf("expected error for unknown role")
	}

	noRole, _ := SignRS256(priv, "x", "", time.Minute)
	claims, err := ParseAndValidateRS256(noRole, &priv.PublicKey)
	if err != nil {
		t.Fatalf("expected token without role to parse: %v", err)
	}
	if claims.Role != operatorctx.RoleViewer {
		t.Fatalf("expected viewer default, got %q", claims.Role)
	}
}

func TestLoadRSAPrivateKeyFromEnv_SingleLine(t *testing.T) {
	privPEM, _, err := GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	t.Setenv("TEST_JWT_PRIV", strings.ReplaceAll(string(privPEM), "\n", `\n`))
	if _, err := LoadRSAPrivateKeyFromEnv("TEST_JWT_PRIV"); err != nil {
		t.Fatalf("LoadRSAPrivateKeyFromEnv: %v", err)
	}
}
