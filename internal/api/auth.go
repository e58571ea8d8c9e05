package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trading-engine/internal/model"
)

// Authenticator verifies HS256 bearer tokens minted by the identity
// service. Claims: sub (user id) and role.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

var errMissingToken = errors.New("missing token")

// Authenticate reads the token from the Authorization header, or from the
// token query parameter for websocket upgrades, which cannot set headers
// from a browser.
func (a *Authenticator) Authenticate(r *http.Request) (model.Caller, error) {
	tokenStr := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		tokenStr = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		tokenStr = q
	}
	if tokenStr == "" {
		return model.Caller{}, errMissingToken
	}
	return a.Parse(tokenStr)
}

func (a *Authenticator) Parse(tokenStr string) (model.Caller, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.Caller{}, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return model.Caller{}, errors.New("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return model.Caller{}, errors.New("token has no subject")
	}
	roleStr, _ := claims["role"].(string)
	role, err := model.ParseRole(roleStr)
	if err != nil {
		return model.Caller{}, err
	}
	return model.Caller{UserID: sub, Role: role}, nil
}

// Issue signs a token for c. The identity service owns issuance in
// production; this serves tests and local tooling.
func (a *Authenticator) Issue(c model.Caller, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  c.UserID,
		"role": string(c.Role),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ── Context ──────────────────────────────────────────

type ctxKey struct{}

func withCaller(ctx context.Context, c model.Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func callerFrom(ctx context.Context) model.Caller {
	c, _ := ctx.Value(ctxKey{}).(model.Caller)
	return c
}
