package gate

import (
	"context"
	"errors"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// JWTIdentity 本地校验 HS256 access token 的 Identity 实现。
type JWTIdentity struct {
	secret []byte
}

// NewJWTIdentity secret 为空时退回 JWT_SECRET 环境变量，再退回开发默认值。
func NewJWTIdentity(secret string) *JWTIdentity {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		secret = "dev-secret"
	}
	return &JWTIdentity{secret: []byte(secret)}
}

func (j *JWTIdentity) Resolve(_ context.Context, credential string) (uint64, string, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return j.secret, nil
	})
	if err != nil {
		return 0, "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return 0, "", jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "" && claims.Type != "access" {
		return 0, "", errors.New("access token required")
	}
	return claims.UserID, claims.Username, nil
}
