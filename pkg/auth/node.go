// Package auth issues and verifies the bearer tokens nodes present on
// every request after registration (heartbeat, fetch-assignment,
// submit-result), adapted from the teacher's JWTService/Claims pattern
// in pkg/auth/jwt.go.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/distrihub/hub/internal/config"
)

// NodeClaims identifies the node a bearer token was issued to.
type NodeClaims struct {
	NodeID uuid.UUID `json:"node_id"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies node bearer tokens with a single
// shared HMAC secret (hub and nodes are both operated by the same
// party, unlike the teacher's end-user RS256 keypair).
type TokenService struct {
	secret   []byte
	issuer   string
	audience string
	expiry   time.Duration
}

func NewTokenService(cfg config.JWTConfig) *TokenService {
	return &TokenService{
		secret:   []byte(cfg.SecretKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		expiry:   cfg.ExpiryTime,
	}
}

// IssueToken mints a bearer token for nodeID and returns it with its
// expiry time.
func (s *TokenService) IssueToken(nodeID uuid.UUID) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.expiry)

	claims := &NodeClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   nodeID.String(),
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        fmt.Sprintf("%s_%d", nodeID, now.UnixNano()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign node token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyToken parses and validates a bearer token, returning the node
// identity it was issued to.
func (s *TokenService) VerifyToken(tokenString string) (*NodeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &NodeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithAudience(s.audience))
	if err != nil {
		return nil, fmt.Errorf("parse node token: %w", err)
	}

	claims, ok := token.Claims.(*NodeClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid node token claims")
	}
	return claims, nil
}
