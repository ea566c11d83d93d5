package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer   = "accord/broker"
	tokenAudience = "accord.subscribe"
)

// SessionClaims are the claims carried by a subscription resume token. The
// subject is the participant's device identifier.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
}

// TokenManager mints and validates subscription resume tokens. A client
// reconnecting with a valid token resumes its delivery session instead of
// starting a new one.
type TokenManager struct {
	keySet KeySet
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks}
}

// Issue creates a signed resume token for one participant session.
func (tm *TokenManager) Issue(ctx context.Context, participantID, sessionID string, ttl time.Duration) (string, error) {
	if participantID == "" || sessionID == "" {
		return "", fmt.Errorf("participant id and session id are required")
	}
	now := time.Now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
		},
		SessionID: sessionID,
	}
	return tm.keySet.Sign(ctx, claims)
}

// Validate parses a resume token and returns its claims.
func (tm *TokenManager) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, tm.keySet.KeyFunc(),
		jwt.WithIssuer(tokenIssuer), jwt.WithAudience(tokenAudience))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
