package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequestBodyMiddleware accepts gzip request bodies and limits every body to
// limit bytes after decompression.
func RequestBodyMiddleware(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if err := ungzipBody(req); err != nil {
				return err
			}
			if limit <= 0 {
				return next(c)
			}
			if req.ContentLength > limit {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			return next(c)
		}
	}
}

// ungzipBody swaps a gzip encoded body for its decompressed stream. The
// decoded length is unknown, so Content-Length is dropped.
func ungzipBody(req *http.Request) error {
	if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
		return nil
	}
	zr, err := gzip.NewReader(req.Body)
	if err != nil {
		_ = req.Body.Close()
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid gzip")
	}
	req.Body = &gzipReadCloser{Reader: zr, body: req.Body}
	req.ContentLength = -1
	req.Header.Del(echo.HeaderContentEncoding)
	req.Header.Del(echo.HeaderContentLength)
	return nil
}

func hasGzipEncoding(header string) bool {
	for header != "" {
		var enc string
		enc, header, _ = strings.Cut(header, ",")
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

// Close closes the gzip stream and the underlying body.
func (g *gzipReadCloser) Close() error {
	zerr := g.Reader.Close()
	berr := g.body.Close()
	if zerr != nil {
		return zerr
	}
	return berr
}
