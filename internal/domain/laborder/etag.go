package laborder

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// FormatETag renders a weak ETag for an order version.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ParseETag extracts the version from W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("ETag must contain a positive version: %s", etag)
	}
	return v, nil
}

// expectedVersion reads If-Match. Zero means the header was absent.
func expectedVersion(c echo.Context) (int, error) {
	h := c.Request().Header.Get("If-Match")
	if h == "" || h == "*" {
		return 0, nil
	}
	v, err := ParseETag(h)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	return v, nil
}

func setVersionHeaders(c echo.Context, o *Order) {
	c.Response().Header().Set("ETag", FormatETag(o.Version))
	c.Response().Header().Set("Last-Modified", o.UpdatedAt.UTC().Format(http.TimeFormat))
}

// notModified reports whether If-None-Match names the current version.
func notModified(c echo.Context, version int) bool {
	h := c.Request().Header.Get("If-None-Match")
	if h == "" {
		return false
	}
	v, err := ParseETag(h)
	return err == nil && v == version
}
