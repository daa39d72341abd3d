// Package types defines shared error codes and the structured error type
// used by every component of the service. Keeping the taxonomy in one place
// lets the HTTP layer, the gateway, and the sandbox agree on retryability
// and status mapping without importing each other.
package types
