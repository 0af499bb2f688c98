package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const issuer = "policy-sidecar"

type Claims struct {
	Approver Approver `json:"approver"`
	jwt.RegisteredClaims
}

type Config struct {
	JWTSecret       string
	TokenExpiration time.Duration
	RequireAuth     bool
	Accounts        []Account
}

// Manager issues and verifies approver tokens.
type Manager struct {
	config Config
	secret []byte
}

// randRead is swapped out in tests.
var randRead = rand.Read

// NewManager builds a token manager. Without a configured JWT secret it
// generates a random one, so tokens do not survive a restart.
func NewManager(config Config) (*Manager, error) {
	secret := config.JWTSecret
	if secret == "" {
		b := make([]byte, 32)
		if _, err := randRead(b); err != nil {
			return nil, fmt.Errorf("generate JWT secret: %w", err)
		}
		secret = base64.StdEncoding.EncodeToString(b)
		log.Warn().Msg("using generated JWT secret, set JWT_SECRET for production")
	}

	if config.TokenExpiration <= 0 {
		config.TokenExpiration = 24 * time.Hour
	}

	return &Manager{
		config: config,
		secret: []byte(secret),
	}, nil
}

func (m *Manager) RequireAuth() bool {
	return m.config.RequireAuth
}

func (m *Manager) GenerateToken(a Approver) (string, error) {
	now := time.Now()
	claims := &Claims{
		Approver: a,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) ValidateToken(tokenString string) (*Approver, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return &claims.Approver, nil
}
