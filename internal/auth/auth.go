// Package auth issues and validates the signed identity claims passed
// between the gateway and the backend services.
package auth

import (
	"errors"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad authorization header")
)

// Auth validates bearer tokens. In shared-secret mode it verifies HS256
// signatures with the configured secret; when a JWKS is supplied it verifies
// RS256 signatures against the external provider's keys instead.
type Auth struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	secret   []byte
	ttl      time.Duration

	parser *jwt.Parser
}

// NewShared creates an Auth in HS256 shared-secret mode. The identity
// service signs with the same secret the gateway verifies with.
func NewShared(secret string, issuer string, ttl time.Duration) *Auth {
	if secret == "" {
		panic("auth: shared secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// NewJWKS creates an Auth verifying RS256 tokens from an external identity
// provider via its JWKS endpoint.
func NewJWKS(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	return &Auth{
		jwks:     jwks,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
	}
}

// Claims is the identity carried by an access token.
type Claims struct {
	UserID   string
	Username string
}

// Issue signs an access token for the user. Only valid in shared-secret mode.
func (a *Auth) Issue(userID, username string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("token issuance requires shared-secret mode")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      userID,
		"username": username,
		"iss":      a.issuer,
		"iat":      now.Unix(),
		"exp":      now.Add(a.ttl).Unix(),
	})
	return token.SignedString(a.secret)
}

// UserIDFromAuthHeader extracts the user identifier from an Authorization
// header of the form "Bearer <token>".
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	claims, err := a.ClaimsFromAuthHeader(h)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// ClaimsFromAuthHeader validates the bearer token and returns its claims.
func (a *Auth) ClaimsFromAuthHeader(h string) (Claims, error) {
	if h == "" {
		return Claims{}, errMissingAuthorization
	}
	token, err := bearerToken(h)
	if err != nil {
		return Claims{}, err
	}
	return a.verify(token)
}

func (a *Auth) verify(token string) (Claims, error) {
	var parsed *jwt.Token
	var err error
	if len(a.secret) > 0 {
		parsed, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.secret, nil
		})
	} else {
		parsed, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if a.jwks == nil {
				return nil, errors.New("jwks not configured")
			}
			return a.jwks.Keyfunc(t)
		})
	}
	if err != nil {
		return Claims{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid claims")
	}

	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return Claims{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return Claims{}, errors.New("token not valid yet")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return Claims{}, errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return Claims{}, errors.New("invalid issuer")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, errors.New("missing sub")
	}
	username, _ := claims["username"].(string)

	return Claims{UserID: sub, Username: username}, nil
}

func bearerToken(h string) (string, error) {
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", errBadAuthorization
	}
	return h[len(prefix):], nil
}
