package procdisp

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized   = errors.New("module is not initialized")
	ErrFunctionNotFound = errors.New("function not found")
	ErrWorkerExited     = errors.New("worker process exited")
	ErrNotStarted       = errors.New("worker process is not started")
	ErrStopped          = errors.New("worker process is stopped")
	ErrDuplicateToken   = errors.New("duplicate correlation token")
	ErrUnknownModule    = errors.New("unknown module")
)

// Error codes carried by RemoteError.
const (
	CodeNotInitialized   = "not_initialized"
	CodeFunctionNotFound = "function_not_found"
	CodeUnknownModule    = "unknown_module"
	CodeInit             = "init_failed"
	CodeStopHook         = "stop_hook"
	CodeApplication      = "application"
	CodeBadRequest       = "bad_request"
)

// RemoteError is an error produced inside a worker process and carried back
// as the first reply argument.
type RemoteError struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
	Module  string `msgpack:"module,omitempty"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is maps error codes onto the package sentinels so callers can use
// errors.Is(err, ErrFunctionNotFound) on a remote reply.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotInitialized:
		return e.Code == CodeNotInitialized
	case ErrFunctionNotFound:
		return e.Code == CodeFunctionNotFound
	case ErrUnknownModule:
		return e.Code == CodeUnknownModule
	}
	return false
}

func remoteError(code, module string, err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Code: code, Message: err.Error(), Module: module}
}

func notInitializedError(module string) *RemoteError {
	return &RemoteError{
		Code:    CodeNotInitialized,
		Message: fmt.Sprintf("Module '%s' is not initialized", module),
		Module:  module,
	}
}

func functionNotFoundError(function, module string) *RemoteError {
	return &RemoteError{
		Code:    CodeFunctionNotFound,
		Message: fmt.Sprintf("'%s' function does not exist in '%s' module", function, module),
		Module:  module,
	}
}

func unknownModuleError(module string) *RemoteError {
	return &RemoteError{
		Code:    CodeUnknownModule,
		Message: fmt.Sprintf("no factory registered for module '%s'", module),
		Module:  module,
	}
}
