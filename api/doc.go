// Package api is the admin HTTP surface: create and inspect tasks, start
// runs, trigger a mention poll and manage per-user rate limits.
//
// Every response is a JSON envelope with a success flag:
//
//	{"success": true, "task": {...}}
//	{"success": false, "error": "Task not found: 3f2a..."}
//
// When a signing secret is configured, every route except /healthz and the
// metrics endpoint requires an HS256 bearer token.
package api
