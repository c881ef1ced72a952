package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"haven/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

type users map[string]models.User

func (u users) GetUser(id string) (models.User, error) {
	if id == "broken" {
		return models.User{}, errors.New("db closed")
	}
	user, ok := u[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return user, nil
}

func TestVerifier(t *testing.T) {
	const t0Unix = 1700000000

	store := users{
		"u1":   {ID: "u1", UserName: "alice", Status: models.UserStatusActive},
		"gone": {ID: "gone", UserName: "bob", Status: models.UserStatusDeleted},
	}

	// Helper to create verifier with fixed time
	createVerifier := func(t *testing.T) (*Verifier, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret-of-some-length")),
			TokenExpiry: time.Hour,
		}
		v, err := NewVerifier(cfg, store)
		if err != nil {
			t.Fatalf("Failed to create verifier: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		v.now = func() time.Time {
			return currentTime
		}
		return v, &currentTime
	}

	t.Run("IssueAndVerify", func(t *testing.T) {
		v, _ := createVerifier(t)

		token, expires, err := v.Issue("u1")
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if !expires.Equal(time.Unix(t0Unix, 0).Add(time.Hour)) {
			t.Errorf("Unexpected expiry %v", expires)
		}

		user, err := v.Verify(token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if user.ID != "u1" || user.UserName != "alice" {
			t.Errorf("Unexpected user %+v", user)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		v, now := createVerifier(t)
		token, _, err := v.Issue("u1")
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}

		*now = now.Add(2 * time.Hour)
		_, err = v.Verify(token)
		if !errors.Is(err, models.ErrAuthentication) {
			t.Fatalf("Expected ErrAuthentication, got %v", err)
		}
		if !strings.Contains(err.Error(), "expired") {
			t.Errorf("Expected expiry in error, got %v", err)
		}
	})

	t.Run("Rejected", func(t *testing.T) {
		v, _ := createVerifier(t)
		other, _ := createVerifier(t)
		other.secretBytes = []byte("a-completely-different-secret")
		forged, _, _ := other.Issue("u1")

		deleted, _, _ := v.Issue("gone")
		missing, _, _ := v.Issue("nobody")

		none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1"})
		unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("Failed to build unsigned token: %v", err)
		}

		wrongIssuer := *v
		wrongIssuer.Issuer = "someone-else"
		foreign, _, _ := wrongIssuer.Issue("u1")

		tokens := map[string]string{
			"empty":        "",
			"garbage":      "not-a-token",
			"forged":       forged,
			"deleted user": deleted,
			"missing user": missing,
			"alg none":     unsigned,
			"wrong issuer": foreign,
		}
		for name, token := range tokens {
			t.Run(name, func(t *testing.T) {
				if _, err := v.Verify(token); !errors.Is(err, models.ErrAuthentication) {
					t.Errorf("Expected ErrAuthentication, got %v", err)
				}
			})
		}
	})

	t.Run("StoreFailure", func(t *testing.T) {
		v, _ := createVerifier(t)
		token, _, _ := v.Issue("broken")

		_, err := v.Verify(token)
		if !errors.Is(err, models.ErrPersistence) {
			t.Errorf("Expected ErrPersistence, got %v", err)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{"Empty", "", true},
		{"Not base64", "%%%", true},
		{"Too short", base64.StdEncoding.EncodeToString([]byte("short")), true},
		{"Valid", base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Secret: tt.secret}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (cfg.TokenExpiry != DefaultTokenExpiry || cfg.Issuer != DefaultIssuer) {
				t.Errorf("defaults not applied: %+v", cfg)
			}
		})
	}
}
