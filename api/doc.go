// Package api holds the wire types of the BrokerFlow HTTP API.
//
// # Endpoints
//
//	POST /v1/requests               start a workflow for a business request
//	GET  /v1/requests               list instances (?state=, ?business_request_id=, ?limit=)
//	GET  /v1/requests/{id}          instance with its transition history
//	POST /v1/requests/{id}/cancel   cancel a non-terminal instance
//	GET  /v1/requests/{id}/events   websocket stream of progress events
//	GET  /health, /ready, /version, /metrics
//
// # Authentication
//
// When server.jwt_secret is set, /v1 endpoints require an HS256 bearer token:
//
//	Authorization: Bearer <token>
package api
