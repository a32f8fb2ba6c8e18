package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies so the
// board handlers always decode plain JSON. Whole-board payloads compress
// well, so clients are encouraged to send them encoded. Invalid gzip
// bodies are rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !acceptsGzipBody(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &gzipBody{reader: gr, underlying: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func acceptsGzipBody(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipBody struct {
	reader     *gzip.Reader
	underlying io.Closer
}

func (g *gzipBody) Read(p []byte) (int, error) {
	return g.reader.Read(p)
}

func (g *gzipBody) Close() error {
	err := g.reader.Close()
	if cerr := g.underlying.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
