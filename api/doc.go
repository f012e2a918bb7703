// Package api defines the HTTP boundary types for the CostPilot API.
//
// # API Overview
//
// CostPilot exposes a small surface:
//   - POST /v1/respond — cost-governed response generation
//   - GET  /admin/*    — read-only budget, usage, degradation and cache views
//   - POST /admin/degradation — manual degradation override (the only mutation)
//   - Health endpoints (/health, /healthz, /ready) and Prometheus /metrics
//
// # Request Flow
//
// Every /v1/respond call passes the full governance pipeline before any
// upstream spend: response cache, in-flight deduplication, budget
// adjudication, tier routing, retrieval and finally generation. Requests
// that cannot be served at full quality degrade along a fixed strategy
// chain instead of failing.
//
// # Error Format
//
// All endpoints return the shared envelope:
//
//	{
//	  "success": false,
//	  "error": {"code": "GEN_RATE_LIMITED", "message": "...", "retryable": true},
//	  "timestamp": "2026-01-02T15:04:05Z"
//	}
//
// Client errors map to 4xx (invalid request 400, unknown principal 403,
// content filtered 422, rate limited 429); upstream failures map to 5xx.
package api
