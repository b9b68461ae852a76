package outbox

import "errors"

var (
	ErrStoreRequired          = errors.New("outbox store is required")
	ErrTransportRequired      = errors.New("outbox transport is required")
	ErrDispatcherRequired     = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning      = errors.New("outbox dispatcher is already running")
	ErrRecordNotFound         = errors.New("outbox record not found")
	ErrRecordTerminal         = errors.New("outbox record is in a terminal state")
	ErrTransactionRequired    = errors.New("outbox enqueue requires a transaction")
	ErrKindRequired           = errors.New("outbox record kind is required")
	ErrPayloadRequired        = errors.New("outbox record payload is required")
	ErrPayloadTooLarge        = errors.New("outbox record payload exceeds maximum allowed size")
	ErrStatusInvalid          = errors.New("invalid outbox status")
	ErrTransitionInvalid      = errors.New("invalid outbox status transition")
	ErrRouteNotFound          = errors.New("no transport routed for record kind")
	ErrRouteAlreadyRegistered = errors.New("transport already routed for record kind")
	ErrRouterRequired         = errors.New("outbox router is required")
)

// PermanentError marks a publish failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the default classifier dead-letters the record
// instead of scheduling a retry. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}
