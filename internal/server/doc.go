// Package server hosts the collaboration API, the streaming endpoint and the
// Prometheus scrape target behind one HTTP server.
//
// Every request passes the same middleware chain: request IDs, security
// headers, CORS, request logging, metrics, rate limiting and identity
// resolution, in that order.
package server
