package api

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envAuth0TestMode    = "AUTH0_TEST_MODE"
	envTestJWTSecret    = "TEST_JWT_SECRET"
	envLocalAuthMode    = "LOCAL_AUTH_MODE"
	envLocalAuthSecret  = "LOCAL_AUTH_SHARED_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"
)

var (
	errTokenExpired     = errors.New("token expired")
	errTokenNotYetValid = errors.New("token not valid yet")
	errInvalidAudience  = errors.New("invalid audience")
	errInvalidIssuer    = errors.New("invalid issuer")
	errMissingSubject   = errors.New("missing sub")
)

// Auth validates incoming JWT tokens. In local mode tokens are HS256 signed
// with a shared secret; otherwise RS256 keys come from the Auth0 JWKS.
type Auth struct {
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string
	Secret   []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth validating RS256 tokens against jwks. When
// LOCAL_AUTH_MODE=hs256 or AUTH0_TEST_MODE=1 is set, HS256 tokens signed
// with the configured shared secret are accepted instead.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) (*Auth, error) {
	ttl, err := parseCacheTTL(os.Getenv(envJWKSCacheTTL))
	if err != nil {
		return nil, err
	}
	secret, err := localSecret()
	if err != nil {
		return nil, err
	}
	if secret != nil {
		return NewLocalAuth(secret, audience, issuer), nil
	}
	if jwks == nil {
		return nil, errors.New("jwks not configured")
	}
	return &Auth{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: ttl,
	}, nil
}

// NewLocalAuth creates an Auth accepting HS256 tokens signed with secret.
func NewLocalAuth(secret []byte, audience, issuer string) *Auth {
	return &Auth{
		Audience: audience,
		Issuer:   issuer,
		Secret:   secret,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

func localSecret() ([]byte, error) {
	if mode := strings.ToLower(os.Getenv(envLocalAuthMode)); mode != "" {
		if mode != "hs256" {
			return nil, fmt.Errorf("unsupported %s value %q", envLocalAuthMode, mode)
		}
		secret := os.Getenv(envLocalAuthSecret)
		if secret == "" {
			return nil, fmt.Errorf("%s must be set when %s=hs256", envLocalAuthSecret, envLocalAuthMode)
		}
		return []byte(secret), nil
	}
	if os.Getenv(envAuth0TestMode) == "1" {
		secret := os.Getenv(envTestJWTSecret)
		if secret == "" {
			return nil, fmt.Errorf("%s must be set when %s=1", envTestJWTSecret, envAuth0TestMode)
		}
		return []byte(secret), nil
	}
	return nil, nil
}

func parseCacheTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultJWKSCacheTTL, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 {
		return 0, fmt.Errorf("invalid %s %q", envJWKSCacheTTL, raw)
	}
	return ttl, nil
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	token, err := bearerTokenFromString(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(token)
}

// UserIDFromBearer extracts the user identifier from a raw bearer token.
func (a *Auth) UserIDFromBearer(token []byte) (string, error) {
	if len(token) == 0 {
		return "", errBadAuthorization
	}

	parsed, err := a.parser.Parse(readOnlyString(token), a.keyForToken)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	return a.subject(claims)
}

func (a *Auth) subject(claims jwt.MapClaims) (string, error) {
	now := time.Now().Add(time.Minute).Unix()
	switch {
	case !claims.VerifyExpiresAt(now, true):
		return "", errTokenExpired
	case !claims.VerifyNotBefore(now, false):
		return "", errTokenNotYetValid
	case a.Audience != "" && !claims.VerifyAudience(a.Audience, false):
		return "", errInvalidAudience
	case a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false):
		return "", errInvalidIssuer
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errMissingSubject
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.Secret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.Secret, nil
	}
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
