// Package transport carries key material over HTTP: batch one-time-key
// claims, key bundle uploads, and to-device envelope delivery. Request and
// response only, no streaming; timeouts come from the caller's context.
package transport
