package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when the Authorization header carries no bearer token.
var ErrNoToken = errors.New("api: missing bearer token")

// ApproverAuth verifies approver identity from HS256-signed bearer tokens.
// The token's subject claim names the approver and overrides any
// approver ID supplied in the request body.
type ApproverAuth struct {
	key []byte
}

// NewApproverAuth builds a verifier for the given shared key. An empty
// key returns nil: decisions then trust the body-supplied approver ID.
func NewApproverAuth(key string) *ApproverAuth {
	if key == "" {
		return nil
	}
	return &ApproverAuth{key: []byte(key)}
}

// ApproverFromRequest extracts and verifies the approver identity.
func (a *ApproverAuth) ApproverFromRequest(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return "", ErrNoToken
	}
	tokenStr, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok {
		return "", ErrNoToken
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("api: verify token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("api: token has no subject")
	}
	return sub, nil
}
