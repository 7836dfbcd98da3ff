package health

import (
	"context"
	"fmt"

	"hcert/internal/cache"
)

// CacheReady fails until the cache has published a usable value. A value
// that is present but stale still counts as ready.
func CacheReady(c cache.Managed) CheckFunc {
	return func(context.Context) error {
		info := c.Status()
		if info.HasValue {
			return nil
		}
		if info.LastError != "" {
			return fmt.Errorf("no value loaded: %s", info.LastError)
		}
		return fmt.Errorf("no value loaded")
	}
}

// PingCheck adapts a Ping(ctx) style client, such as redis or sql.DB.
func PingCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		return ping(ctx)
	}
}
