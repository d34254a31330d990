// Package result carries an expected outcome that is either a success value
// or a failure value, so callers branch on the variant instead of on an error.
package result

import "fmt"

// Result holds exactly one of a success value of type T or a failure value of
// type E. Only Ok and Err construct a valid Result.
type Result[T, E any] struct {
	value T
	err   E
	ok    bool
	set   bool
}

// Ok returns the success variant.
func Ok[T, E any](v T) Result[T, E] {
	return Result[T, E]{value: v, ok: true, set: true}
}

// Err returns the failure variant.
func Err[T, E any](e E) Result[T, E] {
	return Result[T, E]{err: e, set: true}
}

func (r Result[T, E]) IsOk() bool {
	return r.set && r.ok
}

func (r Result[T, E]) IsErr() bool {
	return r.set && !r.ok
}

// Value returns the success value and true, or the zero T and false.
func (r Result[T, E]) Value() (T, bool) {
	if !r.IsOk() {
		var zero T
		return zero, false
	}
	return r.value, true
}

// ErrValue returns the failure value and true, or the zero E and false.
func (r Result[T, E]) ErrValue() (E, bool) {
	if !r.IsErr() {
		var zero E
		return zero, false
	}
	return r.err, true
}

// Unwrap returns the success value and panics on anything else.
func (r Result[T, E]) Unwrap() T {
	if !r.IsOk() {
		panic(fmt.Sprintf("result: Unwrap on %s", r))
	}
	return r.value
}

// UnwrapErr returns the failure value and panics on anything else.
func (r Result[T, E]) UnwrapErr() E {
	if !r.IsErr() {
		panic(fmt.Sprintf("result: UnwrapErr on %s", r))
	}
	return r.err
}

// Match calls exactly one of the handlers. A zero Result calls neither.
func (r Result[T, E]) Match(onOk func(T), onErr func(E)) {
	switch {
	case r.IsOk():
		onOk(r.value)
	case r.IsErr():
		onErr(r.err)
	}
}

func (r Result[T, E]) String() string {
	switch {
	case r.IsOk():
		return fmt.Sprintf("Ok(%v)", r.value)
	case r.IsErr():
		return fmt.Sprintf("Err(%v)", r.err)
	default:
		return "Result(<unset>)"
	}
}

// Map transforms the success value and passes a failure through untouched.
func Map[T, U, E any](r Result[T, E], f func(T) U) Result[U, E] {
	if r.IsOk() {
		return Ok[U, E](f(r.value))
	}
	if r.IsErr() {
		return Err[U, E](r.err)
	}
	return Result[U, E]{}
}

// MapErr transforms the failure value and passes a success through untouched.
func MapErr[T, E, F any](r Result[T, E], f func(E) F) Result[T, F] {
	if r.IsErr() {
		return Err[T, F](f(r.err))
	}
	if r.IsOk() {
		return Ok[T, F](r.value)
	}
	return Result[T, F]{}
}

// Fold collapses either variant into a single value. It panics on a zero
// Result, since there is no handler that could produce R for it.
func Fold[T, E, R any](r Result[T, E], onOk func(T) R, onErr func(E) R) R {
	switch {
	case r.IsOk():
		return onOk(r.value)
	case r.IsErr():
		return onErr(r.err)
	default:
		panic("result: Fold on an unset Result")
	}
}

// AndThen chains a fallible step onto a success value.
func AndThen[T, U, E any](r Result[T, E], f func(T) Result[U, E]) Result[U, E] {
	if r.IsOk() {
		return f(r.value)
	}
	if r.IsErr() {
		return Err[U, E](r.err)
	}
	return Result[U, E]{}
}
