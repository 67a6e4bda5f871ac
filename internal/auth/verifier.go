package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the identity a verified credential maps to.
type Principal struct {
	UserID   string
	UserType string
	Role     string
}

// Verifier maps a bearer credential to a principal.
type Verifier interface {
	Verify(token string) (*Principal, error)
}

// JWTVerifier verifies HMAC-signed tokens carrying user_id, user_type and
// role claims.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthenticated
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthenticated
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	userType, _ := claims["user_type"].(string)
	role, _ := claims["role"].(string)
	return &Principal{UserID: userID, UserType: userType, Role: role}, nil
}
