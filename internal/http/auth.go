package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/fleetxchange/internal/access"
)

var errNoToken = errors.New("missing bearer token")

// accountClaims is the token layout issued by the account service. The
// account id is carried in sub, or in id by older issuers.
type accountClaims struct {
	jwt.RegisteredClaims
	AccountID string `json:"id,omitempty"`
	UserType  string `json:"user_type"`
}

// Authenticator verifies HS256 bearer tokens and turns them into actors.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

func (a *Authenticator) Parse(token string) (access.Actor, error) {
	var c accountClaims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return access.Actor{}, fmt.Errorf("parse token: %w", err)
	}
	id := strings.TrimSpace(c.Subject)
	if id == "" {
		id = strings.TrimSpace(c.AccountID)
	}
	if id == "" {
		return access.Actor{}, errors.New("token carries no account id")
	}
	role, ok := access.ParseRole(c.UserType)
	if !ok {
		return access.Actor{}, fmt.Errorf("unknown user_type %q", c.UserType)
	}
	return access.Actor{ID: id, Role: role}, nil
}

// Issue signs a token for actor. Production tokens come from the account
// service; this is used by tooling and tests.
func (a *Authenticator) Issue(actor access.Actor, ttl time.Duration) (string, error) {
	now := a.now()
	c := accountClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserType: string(actor.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// FromRequest authenticates r from its Authorization header. When
// allowQuery is set the token may also come from the token query parameter,
// which browsers need for websocket upgrades.
func (a *Authenticator) FromRequest(r *http.Request, allowQuery bool) (access.Actor, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return access.Actor{}, errors.New("authorization header must use the Bearer scheme")
		}
		token = strings.TrimSpace(rest)
	} else if allowQuery {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return access.Actor{}, errNoToken
	}
	return a.Parse(token)
}
