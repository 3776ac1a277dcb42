package middleware

import (
	"github.com/labstack/echo/v4"
)

// NoStore returns an Echo middleware marking every response as uncacheable
// and not to be content-sniffed. Status and metrics reflect live state.
func NoStore() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderCacheControl, "no-store")
			h.Set(echo.HeaderXContentTypeOptions, "nosniff")
			return next(c)
		}
	}
}
