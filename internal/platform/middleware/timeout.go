package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context so database,
// registry and storage calls abort once it passes. The handler runs on the
// request goroutine; a deadline error it returns becomes a 504. File
// downloads stream for as long as the client reads and are exempt.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || strings.HasSuffix(c.Request().URL.Path, "/file") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err == nil || c.Response().Committed {
				return err
			}
			if errors.Is(err, context.DeadlineExceeded) ||
				(errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.Canceled)) {
				return echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the time limit").SetInternal(err)
			}
			return err
		}
	}
}
