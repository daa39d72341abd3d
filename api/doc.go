// Package api defines the request and response types of the HTTP surface:
// code execution, language catalog, system introspection, and the AI chat
// gateway.
package api
