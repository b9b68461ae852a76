package outbox

// RetryClassifier decides whether a publish error should skip the remaining
// retries and dead-letter the record right away.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// DefaultRetryClassifier treats errors wrapped with Permanent as non-retryable.
var DefaultRetryClassifier RetryClassifier = RetryClassifierFunc(IsPermanent)
