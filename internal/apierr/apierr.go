// Package apierr defines the closed error-code taxonomy shared by the
// executor and manager HTTP servers.
package apierr

// Code is a stable machine-readable error tag returned in HTTP error bodies.
type Code string

const (
	Unauthorized               Code = "UNAUTHORIZED"
	Forbidden                  Code = "FORBIDDEN"
	Validation                 Code = "VALIDATION"
	NotFound                   Code = "NOT_FOUND"
	MethodNotAllowed           Code = "METHOD_NOT_ALLOWED"
	SessionNotFound            Code = "SESSION_NOT_FOUND"
	CapacityExceeded           Code = "CAPACITY_EXCEEDED"
	NoCapacity                 Code = "NO_CAPACITY"
	ProvisionerUnhealthy       Code = "PROVISIONER_UNHEALTHY"
	SpawnFailed                Code = "SPAWN_FAILED"
	ProtocolUnsupportedFeature Code = "PROTOCOL_UNSUPPORTED_FEATURE"
	ProtocolIncompatible       Code = "PROTOCOL_INCOMPATIBLE"
	IllegalTransition          Code = "ILLEGAL_TRANSITION"
	IO                         Code = "IO"
	Internal                   Code = "INTERNAL"
)

// Error is an error carrying an apierr.Code alongside a human message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}
