// Package api implements the HTTP and WebSocket front door of dispatchd.
//
// This package provides:
//   - POST /publish and POST /results over the dispatch engine
//   - Archived request history under /api/v1/requests
//   - A WebSocket hub streaming published requests and device results
//   - Middleware stack (request ID, logging, recovery, CORS, metrics)
//   - TLS support for production deployments
//
// # Response Envelope
//
// Both dispatch endpoints answer with the same shape:
//
//	{"requestId": "...", "results": {"d1": {"output": ...}}, "complete": false,
//	 "error": null, "message": "OK"}
//
// results is always present. A partial result is a 200 response; error is
// only set when the call could not be satisfied at all.
//
// # Credentials
//
// Directory credentials travel in the publish body and are handed to the
// resolver for that one call. The server never logs or stores them.
package api
