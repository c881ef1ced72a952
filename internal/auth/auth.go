package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"haven/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	DefaultIssuer      = "haven"
)

// UserLookup is the identity store the verifier consults on every call.
type UserLookup interface {
	GetUser(id string) (models.User, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	Issuer      string        `json:"issuer"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}
	if len(c.secretBytes) < 16 {
		return errors.New("auth secret must be at least 16 bytes")
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}

	return nil
}

// Claims is the token body. The user id travels in the "id" claim.
type Claims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

// Verifier turns bearer tokens into user identities.
type Verifier struct {
	Config
	users UserLookup
	now   func() time.Time
}

func NewVerifier(config Config, users UserLookup) (*Verifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{
		Config: config,
		users:  users,
		now:    time.Now,
	}, nil
}

// Issue mints a token for userID. Tokens are normally issued by the login
// flow; this is used by the admin API and the command line helpers.
func (v *Verifier) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	now := v.now()
	expires := now.Add(v.TokenExpiry)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    v.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secretBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expires, nil
}

// Verify checks the token signature, expiry and issuer, then makes sure the
// user still exists. Every failure wraps models.ErrAuthentication except a
// store failure, which wraps models.ErrPersistence.
func (v *Verifier) Verify(token string) (models.User, error) {
	if token == "" {
		return models.User{}, fmt.Errorf("%w: missing credential", models.ErrAuthentication)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secretBytes, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.User{}, fmt.Errorf("%w: token expired", models.ErrAuthentication)
		}
		return models.User{}, fmt.Errorf("%w: invalid token", models.ErrAuthentication)
	}
	if claims.UserID == "" {
		return models.User{}, fmt.Errorf("%w: token has no user id", models.ErrAuthentication)
	}

	user, err := v.users.GetUser(claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.User{}, fmt.Errorf("%w: user no longer exists", models.ErrAuthentication)
		}
		return models.User{}, fmt.Errorf("%w: failed to load user: %v", models.ErrPersistence, err)
	}
	if user.Status == models.UserStatusDeleted {
		return models.User{}, fmt.Errorf("%w: user no longer exists", models.ErrAuthentication)
	}
	return user, nil
}
