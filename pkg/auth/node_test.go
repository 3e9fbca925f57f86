package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/distrihub/hub/internal/config"
)

func testCfg() config.JWTConfig {
	return config.JWTConfig{
		SecretKey:  "test-secret",
		Issuer:     "hub",
		Audience:   "hub-nodes",
		ExpiryTime: time.Hour,
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	svc := NewTokenService(testCfg())
	nodeID := uuid.New()

	token, expiresAt, err := svc.IssueToken(nodeID)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Second)

	claims, err := svc.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, nodeID, claims.NodeID)
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	svc := NewTokenService(testCfg())
	token, _, err := svc.IssueToken(uuid.New())
	require.NoError(t, err)

	other := NewTokenService(config.JWTConfig{SecretKey: "different-secret", Issuer: "hub", Audience: "hub-nodes", ExpiryTime: time.Hour})
	_, err = other.VerifyToken(token)
	require.Error(t, err)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	cfg := testCfg()
	cfg.ExpiryTime = -time.Minute
	svc := NewTokenService(cfg)

	token, _, err := svc.IssueToken(uuid.New())
	require.NoError(t, err)

	_, err = svc.VerifyToken(token)
	require.Error(t, err)
}
