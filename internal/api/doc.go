// Package api provides the HTTP REST API for the CairnFS trust core.
//
// It exposes authentication (login, credential submission, logout),
// account and password management, role/group administration, secret
// rotation, and the audit trail.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Every protected route goes through initiator resolution: the session_id
// cookie is decoded, looked up in the session cache or database, and
// validated before the handler runs. Authorisation is then a per-route
// (scope, ability) check against the RBAC resolver.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
