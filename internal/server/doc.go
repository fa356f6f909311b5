// Package server assembles the gateway's HTTP surface behind one multiplexer:
// the JSON API, the websocket hub, the passthrough proxy, and the static HLS
// and replay file areas, wrapped in a shared middleware chain of security
// headers, CORS, request IDs, metrics, and access logging.
package server
