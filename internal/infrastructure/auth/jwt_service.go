package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/you/crewsync/domain"
)

// JWTServiceImpl implements domain.TokenService
type JWTServiceImpl struct {
	secretKey      []byte
	issuer         string
	accessTokenTTL time.Duration
	now            func() time.Time
}

// NewJWTService creates a new JWT service
func NewJWTService(secretKey string, issuer string, accessTTL time.Duration) *JWTServiceImpl {
	return &JWTServiceImpl{
		secretKey:      []byte(secretKey),
		issuer:         issuer,
		accessTokenTTL: accessTTL,
		now:            time.Now,
	}
}

// GenerateAccessToken implements domain.TokenService
func (j *JWTServiceImpl) GenerateAccessToken(identity domain.Identity, sessionID string) (string, time.Time, error) {
	now := j.now()
	exp := now.Add(j.accessTokenTTL)
	claims := jwt.MapClaims{
		"sub":        identity.ID,
		"email":      identity.Email,
		"session_id": sessionID,
		"iss":        j.issuer,
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
		"jti":        uuid.NewString(),
	}
	if len(identity.Metadata) > 0 {
		claims["user_metadata"] = identity.Metadata
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ValidateAccessToken implements domain.TokenService
func (j *JWTServiceImpl) ValidateAccessToken(tokenString string) (*domain.TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrTokenMalformed
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(j.issuer), jwt.WithTimeFunc(j.now))

	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, domain.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, domain.ErrTokenMalformed):
		return nil, domain.ErrTokenMalformed
	default:
		return nil, domain.ErrTokenInvalid
	}
	if !token.Valid {
		return nil, domain.ErrTokenInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, domain.ErrTokenMalformed
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, domain.ErrTokenMalformed
	}
	iat, ok := claims["iat"].(float64)
	if !ok {
		return nil, domain.ErrTokenMalformed
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, domain.ErrTokenMalformed
	}

	tokenClaims := &domain.TokenClaims{
		UserID:    sub,
		IssuedAt:  int64(iat),
		ExpiresAt: int64(exp),
	}
	if email, ok := claims["email"].(string); ok {
		tokenClaims.Email = email
	}
	if sessionID, ok := claims["session_id"].(string); ok {
		tokenClaims.SessionID = sessionID
	}
	if md, ok := claims["user_metadata"].(map[string]any); ok {
		tokenClaims.Metadata = md
	}

	return tokenClaims, nil
}

// IdentityFromClaims rebuilds the identity carried by validated claims
func IdentityFromClaims(c *domain.TokenClaims) domain.Identity {
	return domain.Identity{ID: c.UserID, Email: c.Email, Metadata: c.Metadata}
}

var _ domain.TokenService = (*JWTServiceImpl)(nil)
