package api

import (
	"errors"
	"strings"
	"unsafe"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// authorizationHeader returns the Authorization header of the request. When
// allowQuery is set and the header is absent, the token query parameter is
// used instead, since EventSource clients cannot set headers.
func authorizationHeader(c echo.Context, allowQuery bool) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if h == "" && allowQuery {
		if token := c.QueryParam("token"); token != "" {
			h = bearerPrefix + token
		}
	}
	return h
}

func bearerTokenFromString(raw string) ([]byte, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return nil, errMissingAuthorization
	}
	token, ok := strings.CutPrefix(trimmed, bearerPrefix)
	if !ok || token == "" {
		return nil, errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return nil, errBadAuthorization
	}
	return readOnlyBytes(token), nil
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
