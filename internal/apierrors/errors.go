// Package apierrors defines the fixed error taxonomy shared by the REST
// veneer and the WebSocket gateway's error event.
package apierrors

// Code is one of the fixed error kinds every handler must map its failures
// onto before it reaches a caller.
type Code string

const (
	ValidationError Code = "VALIDATION_ERROR"
	Unauthorized    Code = "UNAUTHORIZED"
	Forbidden       Code = "FORBIDDEN"
	NotFound        Code = "NOT_FOUND"
	Conflict        Code = "CONFLICT"
	InternalError   Code = "INTERNAL_ERROR"
)
