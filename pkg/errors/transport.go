package errors

import "fmt"

// TransportError carries the error envelope returned by the backend, or a
// synthetic code for network-level failures.
type TransportError struct {
	Code    string
	Message string
}

func NewTransportError(code, message string) *TransportError {
	return &TransportError{
		Code:    code,
		Message: message,
	}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error %s: %s", e.Code, e.Message)
}

// Synthetic codes used when no envelope was received.
const (
	CodeNetwork     = "NETWORK_ERROR"
	CodeBadEnvelope = "BAD_ENVELOPE"
)
