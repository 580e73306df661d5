package hub

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var errBodyTooLarge = errors.New("request body too large")

// jsonBodyMiddleware caps JSON request bodies at limit bytes and inflates
// gzip encoded ones; the cap applies to the inflated size. Attachment
// uploads are checked per file by the handler and may not be gzip encoded.
func jsonBodyMiddleware(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			gzipped := hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding))
			if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
				if gzipped {
					return echo.NewHTTPError(http.StatusUnsupportedMediaType, "attachments must not be gzip encoded")
				}
				return next(c)
			}
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			body := &jsonBody{r: req.Body, body: req.Body, remaining: limit}
			if gzipped {
				gr, err := gzip.NewReader(req.Body)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
				}
				body.r = gr
				body.gz = gr
				req.ContentLength = -1
				req.Header.Del(echo.HeaderContentEncoding)
				req.Header.Del(echo.HeaderContentLength)
			}
			req.Body = body
			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// jsonBody fails with errBodyTooLarge once more than remaining bytes are read.
type jsonBody struct {
	r         io.Reader
	gz        *gzip.Reader
	body      io.Closer
	remaining int64
	exceeded  bool
}

func (b *jsonBody) Read(p []byte) (int, error) {
	if b.exceeded {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		b.exceeded = true
		return 0, errBodyTooLarge
	}
	return n, err
}

func (b *jsonBody) Close() error {
	var err error
	if b.gz != nil {
		err = b.gz.Close()
	}
	if cerr := b.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// bodyTooLarge reports whether the request body hit the JSON size cap.
func bodyTooLarge(c echo.Context) bool {
	b, ok := c.Request().Body.(*jsonBody)
	return ok && b.exceeded
}

// corsMiddleware allows the board UI origins to call the hub, including the
// session header used by the reorder sequence guard.
func corsMiddleware(origins []string) echo.MiddlewareFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderAuthorization,
			echo.HeaderContentType,
			echo.HeaderContentEncoding,
			SessionHeader,
		},
	})
}
