package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// ValidationError produces a 400. Used for timing impossibilities, missing
// required justification, insufficient GPS accuracy and other policy-violating
// input. The reason string is surfaced to the caller verbatim.
func ValidationError(format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusBadRequest,
		Err:        fmt.Errorf(format, args...),
	}
}

// EscalationError produces a 403: the operation is blocked pending a
// supervisor override; resubmitting the same request will not help.
func EscalationError(format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusForbidden,
		Err:        fmt.Errorf(format, args...),
	}
}

// NotFoundError produces a 404.
func NotFoundError(format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusNotFound,
		Err:        fmt.Errorf(format, args...),
	}
}

// StaleCursorError produces a 409: the presented sync cursor no longer matches
// the server's recorded cursor for the device, so the whole batch is rejected
// before any writes.
func StaleCursorError(format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusConflict,
		Err:        fmt.Errorf(format, args...),
	}
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and FIELDSYNC_DEBUG=1 then the program panics.
// If expr is false and FIELDSYNC_DEBUG is unset or not '1' then the program logs an error along
// with a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal
// functioning of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//   Assert("list is not empty", len(list) > 0)
// Which then produces:
//   assertion failed: list is not empty
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("FIELDSYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
