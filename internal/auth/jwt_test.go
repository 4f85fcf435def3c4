package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func testKeys(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	_ = priv.Set(jwk.KeyIDKey, "test-key")
	_ = priv.Set(jwk.AlgorithmKey, jwa.RS256)

	pub, err := priv.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	_ = pub.Set(jwk.KeyIDKey, "test-key")
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	return priv, set
}

func signToken(t *testing.T, priv jwk.Key, subject string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Claim("email", "owner@example.com").
		IssuedAt(time.Now()).
		Expiration(exp).
		Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func TestUserFromRequest(t *testing.T) {
	priv, set := testKeys(t)
	otherPriv, _ := testKeys(t)
	v := newStaticJWTVerifier(set)

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"valid", "Bearer " + signToken(t, priv, "user-1", time.Now().Add(time.Hour)), false},
		{"expired", "Bearer " + signToken(t, priv, "user-1", time.Now().Add(-time.Hour)), true},
		{"wrong key", "Bearer " + signToken(t, otherPriv, "user-1", time.Now().Add(time.Hour)), true},
		{"missing subject", "Bearer " + signToken(t, priv, "", time.Now().Add(time.Hour)), true},
		{"no header", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			user, err := v.UserFromRequest(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UserFromRequest error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if user.ID != "user-1" || user.Email != "owner@example.com" {
					t.Errorf("user = %+v", user)
				}
			}
		})
	}
}

func TestIssuerAndAudience(t *testing.T) {
	priv, set := testKeys(t)
	v := newStaticJWTVerifier(set, WithIssuer("https://id.example.com"), WithAudience("mailsync"))

	build := func(iss, aud string) string {
		tok, err := jwt.NewBuilder().
			Subject("user-1").
			Issuer(iss).
			Audience([]string{aud}).
			Expiration(time.Now().Add(time.Hour)).
			Build()
		if err != nil {
			t.Fatalf("build token: %v", err)
		}
		signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return string(signed)
	}

	tests := []struct {
		name    string
		iss     string
		aud     string
		wantErr bool
	}{
		{"match", "https://id.example.com", "mailsync", false},
		{"wrong issuer", "https://evil.example.com", "mailsync", true},
		{"wrong audience", "https://id.example.com", "other-app", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.Header.Set("Authorization", "Bearer "+build(tt.iss, tt.aud))
			_, err := v.UserFromRequest(r)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReady(t *testing.T) {
	_, set := testKeys(t)
	if err := newStaticJWTVerifier(set).Ready(); err != nil {
		t.Errorf("Ready with keys: %v", err)
	}
	if err := newStaticJWTVerifier(jwk.NewSet()).Ready(); err == nil {
		t.Error("Ready with empty set should fail")
	}
}
