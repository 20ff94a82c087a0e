package metrics

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteAuthEvent records one authentication outcome.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - action: the event kind (e.g. "login", "login_failed", "verify")
//   - success: whether the step succeeded
func (c *Client) WriteAuthEvent(action string, success bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"auth_events",
		map[string]string{
			"action": action,
		},
		map[string]interface{}{
			"success": success,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCacheStats records hit/size figures for one of the in-memory
// caches (session identity or resolved abilities).
//
// Parameters:
//   - cache: cache name (e.g. "session", "authz")
//   - size: current entry count
func (c *Client) WriteCacheStats(cache string, size int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"cache_stats",
		map[string]string{
			"cache": cache,
		},
		map[string]interface{}{
			"size": size,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteSweepStats records the outcome of a session sweep run.
func (c *Client) WriteSweepStats(removed int, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"session_sweep",
		nil,
		map[string]interface{}{
			"removed":     removed,
			"duration_ms": duration.Milliseconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
