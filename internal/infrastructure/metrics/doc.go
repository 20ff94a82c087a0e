// Package metrics provides the optional InfluxDB sink for CairnFS
// operational telemetry.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes, and health monitoring.
//
// # Purpose
//
// Time-series visibility into the trust core:
//   - Authentication outcomes (logins, failures, verifications)
//   - Cache sizes for the session and authorisation caches
//   - Session sweep throughput
//
// # Error Handling
//
// The sink is strictly best-effort. Write operations are non-blocking and
// batch errors are delivered via a callback; a down InfluxDB never blocks
// or fails a request. Connection and health check errors are returned
// directly at startup so the operator sees a misconfiguration once.
package metrics
