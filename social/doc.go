// Package social is a thin client for the social network's v2 HTTP API:
// reading mentions and posts, publishing replies and uploading media.
//
// Failures come back as classified errors (see package errors): 429 is
// RATE_LIMITED, 5xx is UNAVAILABLE, 401 is UNAUTHORIZED, and so on, so the
// orchestrator's stage policy can decide what to retry.
package social
