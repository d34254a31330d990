package retry

import (
	"context"
	"errors"
	"reflect"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("retry")

// ErrorIsIn matches errors that errors.As can turn into one of the types of
// errorTypes. Each entry must be a non-nil pointer, e.g. &net.OpError{}.
func ErrorIsIn(errorTypes []error) func(error) bool {
	return func(err error) bool {
		for _, etype := range errorTypes {
			tmp := reflect.New(reflect.PointerTo(reflect.ValueOf(etype).Elem().Type())).Interface()
			if errors.As(err, tmp) {
				return true
			}
		}
		return false
	}
}

// Retry calls f up to attempts times while it fails with an error that
// retryable accepts, doubling the sleep between calls. Other errors are
// returned straight away.
func Retry[T any](ctx context.Context, attempts int, sleep time.Duration, retryable func(error) bool, f func() (T, error)) (result T, err error) {
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Infow("Retrying after error", "attempt", i+1, "sleep", sleep, "error", err)
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return result, ctx.Err()
			}
			sleep *= 2
		}
		result, err = f()
		if err == nil || !retryable(err) {
			return result, err
		}
	}
	log.Errorf("Failed after %d attempts, last error: %s", attempts, err)
	return result, err
}
