package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery converts a handler panic into a 500 without leaking its value to
// the caller. onPanic, when non-nil, is told the route of each recovered panic.
func Recovery(logger zerolog.Logger, onPanic func(route string)) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				route := c.Path()
				ev := logger.Error().
					Str("route", route).
					Str("method", c.Request().Method).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack())
				if rid, ok := c.Get("request_id").(string); ok {
					ev = ev.Str("request_id", rid)
				}
				if site, ok := c.Get("site_id").(string); ok {
					ev = ev.Str("site", site)
				}
				ev.Msg("panic recovered")

				if onPanic != nil {
					onPanic(route)
				}
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
