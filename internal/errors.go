package internal

import (
	"errors"
	"fmt"
	"net/http"
)

// FaultType says where a fiscal call went wrong.
type FaultType string

const (
	// FaultTransport covers connection refused, timeouts, DNS failures.
	FaultTransport FaultType = "TRANSPORT_FAULT"
	// FaultAuth covers failed login exchanges and repeated 401 responses.
	FaultAuth FaultType = "AUTH_FAULT"
	// FaultProtocol covers unexpected HTTP statuses and unparsable bodies.
	FaultProtocol FaultType = "PROTOCOL_FAULT"
	// FaultDomain covers error envelopes returned by the processor itself.
	FaultDomain FaultType = "DOMAIN_ERROR"
)

// Classification decides what the caller does with a fault.
type Classification string

const (
	// ClassRecoverable: retrying the same request may eventually succeed.
	ClassRecoverable Classification = "recoverable"
	// ClassUnrecoverable: no amount of retrying will help; needs an operator.
	ClassUnrecoverable Classification = "unrecoverable"
	// ClassDuplicate: the processor already has this submission; treat as success.
	ClassDuplicate Classification = "duplicate"
	// ClassNotProcessed: the processor declared the submission dead; resubmit
	// under a fresh external id.
	ClassNotProcessed Classification = "not_processed"
)

// ErrorEnvelope is the logical error the processor embeds in 200/400 bodies.
type ErrorEnvelope struct {
	Code int    `json:"code"`
	Text string `json:"text"`
	Type string `json:"type"`
}

// Fault is the error type every fiscal call returns. Transport, auth and
// protocol faults are always recoverable; domain errors carry whatever the
// error-code table decided.
type Fault struct {
	Type     FaultType      `json:"type"`
	Class    Classification `json:"class"`
	Message  string         `json:"message"`
	Envelope *ErrorEnvelope `json:"envelope,omitempty"`
	Cause    error          `json:"-"`
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Cause)
	}
	if f.Envelope != nil {
		return fmt.Sprintf("%s: processor code %d: %s", f.Message, f.Envelope.Code, f.Envelope.Text)
	}
	return f.Message
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

func NewTransportFault(message string, cause error) *Fault {
	return &Fault{Type: FaultTransport, Class: ClassRecoverable, Message: message, Cause: cause}
}

func NewAuthFault(message string, cause error) *Fault {
	return &Fault{Type: FaultAuth, Class: ClassRecoverable, Message: message, Cause: cause}
}

func NewProtocolFault(message string, cause error) *Fault {
	return &Fault{Type: FaultProtocol, Class: ClassRecoverable, Message: message, Cause: cause}
}

func NewDomainFault(class Classification, message string, envelope *ErrorEnvelope) *Fault {
	return &Fault{Type: FaultDomain, Class: class, Message: message, Envelope: envelope}
}

// AsFault unwraps err into a *Fault if one is anywhere in the chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsRecoverable reports whether the scheduler should retry err with backoff.
// Unknown error types count as recoverable: losing a receipt is worse than
// retrying one request too many.
func IsRecoverable(err error) bool {
	if f, ok := AsFault(err); ok {
		return f.Class == ClassRecoverable
	}
	return err != nil
}

func IsUnrecoverable(err error) bool {
	f, ok := AsFault(err)
	return ok && f.Class == ClassUnrecoverable
}

func IsNotProcessed(err error) bool {
	f, ok := AsFault(err)
	return ok && f.Class == ClassNotProcessed
}

func IsDuplicate(err error) bool {
	f, ok := AsFault(err)
	return ok && f.Class == ClassDuplicate
}

// ErrNoContact is raised before any network call when a receipt carries
// neither an email nor a phone number.
var ErrNoContact = errors.New("receipt has neither email nor phone")

// ErrReceiptNotFound is returned by repositories and surfaced as 404.
var ErrReceiptNotFound = errors.New("receipt not found")

// APIError is the JSON error body for the intake API, kept in one shape so
// clients never need to special-case endpoints.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type APIErrorResponse struct {
	Error APIError `json:"error"`
}

// HTTPStatus maps domain errors onto response codes for the REST handlers.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrReceiptNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoContact):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
