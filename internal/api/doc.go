// Package api provides the operator HTTP surface of the device sync service.
//
// Endpoints:
//
//	GET  /healthz                  database and MQTT health
//	GET  /metrics                  Prometheus exposition
//	GET  /api/v1/meters            known meter records
//	GET  /api/v1/attempts          denied power-on attempts (meter, limit, offset)
//	POST /api/v1/authz/invalidate  drop cached policy decisions
//	POST /api/v1/commands          queue a meter command
//	GET  /api/v1/commands/{id}     command status
//
// Every /api/v1 route requires "Authorization: Bearer <token>", an HS256
// JWT signed with api.jwt_secret (see IssueToken and `devicesync token`).
// Viewer tokens may read; the two POST routes need an operator token. With
// no secret configured the /api/v1 routes answer 401.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
