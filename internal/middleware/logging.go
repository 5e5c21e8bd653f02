// Package middleware provides Echo middleware for access logging and metrics.
package middleware

import (
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

const upstreamPathKey = "upstream_path"

// accessTimeFormat is ISO-8601 in UTC with millisecond precision.
const accessTimeFormat = "2006-01-02T15:04:05.000Z"

// SetUpstreamPath records the rewritten upstream path+query of a forwarded
// request. Only requests carrying it get an access log line.
func SetUpstreamPath(c echo.Context, path string) {
	c.Set(upstreamPathKey, path)
}

// AccessLog returns an Echo middleware that writes one line per forwarded
// request to w once the handler has finished:
//
//	2024-05-01T10:00:00.000Z 10.0.0.1 GET /app/users?id=1 => /users?id=1 200
//
// The status is empty when no response was written.
func AccessLog(w io.Writer) echo.MiddlewareFunc {
	var mu sync.Mutex
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			upstream, ok := c.Get(upstreamPathKey).(string)
			if !ok {
				return err
			}

			req := c.Request()
			res := c.Response()

			status := ""
			if res.Committed {
				status = strconv.Itoa(res.Status)
			}

			line := AccessLine(time.Now(), c.RealIP(), req.Method, requestURI(c), upstream, status)

			mu.Lock()
			_, _ = io.WriteString(w, line)
			mu.Unlock()

			return err
		}
	}
}

// AccessLine formats a single access log line, newline included.
func AccessLine(ts time.Time, clientIP, method, uri, upstream, status string) string {
	return strings.Join([]string{
		ts.UTC().Format(accessTimeFormat),
		clientIP,
		method,
		uri,
		"=>",
		upstream,
		status,
	}, " ") + "\n"
}

// requestURI returns the path and query as the client sent them.
func requestURI(c echo.Context) string {
	if uri := c.Request().RequestURI; uri != "" {
		return uri
	}
	return c.Request().URL.RequestURI()
}
