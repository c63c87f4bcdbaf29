package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"dropshelf-server/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of the signed session cookie. Admin status is not
// part of it; callers derive it from the tenant config on every request.
type Claims struct {
	TenantID string   `json:"tid"`
	DeviceID string   `json:"did"`
	AccessOK []string `json:"aok,omitempty"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 30 * 24 * time.Hour,
		Issuer: "dropshelf",
	}
}

func CreateSessionToken(sess model.Session, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if sess.TenantID == "" {
		return "", errors.New("missing tenant")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}
	jti := hex.EncodeToString(jtiBytes)

	now := time.Now()
	claims := Claims{
		TenantID: sess.TenantID,
		DeviceID: sess.DeviceID,
		AccessOK: sess.AccessOK,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        jti,
			Subject:   sess.TenantID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func VerifySessionToken(tokenString string, cfg TokenConfig) (model.Session, error) {
	if cfg.Secret == "" {
		return model.Session{}, errors.New("missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return model.Session{}, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return model.Session{}, jwt.ErrSignatureInvalid
	}
	return model.Session{TenantID: claims.TenantID, DeviceID: claims.DeviceID, AccessOK: claims.AccessOK}, nil
}
