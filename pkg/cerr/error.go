package cerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"

	"connectrpc.com/connect"

	"github.com/kazz187/storyguild/pkg/clog"
)

type Error struct {
	Code  Code
	Msg   string // returned to the caller together with Code
	Err   error  // logged, never returned to the caller
	Stack string
}

func NewError(code Code, msg string, underlying error) *Error {
	err := &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
	if clog.ConnectCodeToLevel(code.ConnectCode()) == clog.LevelError {
		stackTrace := make([]byte, 2048)
		n := runtime.Stack(stackTrace, false)
		err.Stack = string(stackTrace[:n])
	}
	return err
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ConnectError() *connect.Error {
	return connect.NewError(e.Code.ConnectCode(), errors.New(e.Msg))
}

func IsCode(err error, code Code) bool {
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.Code == code
	}
	return false
}

// CodeOf returns Unknown for errors that are not *Error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.Code
	}
	return Unknown
}

func isClientGone(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.Err == "operation was canceled"
}

// Normalize turns any error into an *Error and records it on the context's
// log attributes.
func Normalize(ctx context.Context, err error) *Error {
	if isClientGone(err) {
		return NewError(Canceled, "connection closed", err)
	}
	clog.AddError(ctx, err)
	var cErr *Error
	if errors.As(err, &cErr) {
		if cErr.Stack != "" {
			clog.AddStack(ctx, cErr.Stack)
		}
		return cErr
	}
	return NewError(Unknown, "unknown error", err)
}

func ExtractConnectError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	return Normalize(ctx, err).ConnectError()
}
