package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims 仅携带用户标识；令牌由外部的会话服务签发，本服务只做校验。
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// ParseJWT 校验并解析访问令牌（HS256）。
func ParseJWT(secret, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
