package web

import (
	"errors"
	"fmt"

	"github.com/liftoff/GateOne-sub000/terminal"
	"github.com/liftoff/GateOne-sub000/webserver/multiplex"
	"github.com/liftoff/GateOne-sub000/webserver/registry"
	"github.com/liftoff/GateOne-sub000/webserver/sharing"
)

// Error kinds reported to clients.
const (
	KindPolicyDenied     = "policy-denied"
	KindPermissionDenied = "permission-denied"
	KindNotFound         = "not-found"
	KindSpawnFailed      = "child-spawn-failed"
	KindLogWriteFailed   = "log-write-failed"
	KindXSS              = "xss-violation"
	KindTimeout          = "timeout"
	KindShareIDInUse     = "share-id-in-use"
	KindBadRequest       = "bad-request"
	KindInternal         = "internal"
)

// ActionError is an action failure the client is told about.
type ActionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ActionError) Error() string { return e.Kind + ": " + e.Message }

func actionErr(kind, format string, args ...any) *ActionError {
	return &ActionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...any) *ActionError {
	return actionErr(KindBadRequest, format, args...)
}

// classify maps package errors to an ActionError.
func classify(err error) *ActionError {
	var ae *ActionError
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, sharing.ErrNotFound):
		return &ActionError{Kind: KindNotFound, Message: err.Error()}
	case errors.Is(err, multiplex.ErrClosed):
		return &ActionError{Kind: KindNotFound, Message: "terminal has ended"}
	case errors.Is(err, registry.ErrNotOwner), errors.Is(err, sharing.ErrPermissionDenied),
		errors.Is(err, sharing.ErrBadPassword):
		return &ActionError{Kind: KindPermissionDenied, Message: err.Error()}
	case errors.Is(err, registry.ErrSpawnFailed):
		return &ActionError{Kind: KindSpawnFailed, Message: err.Error()}
	case errors.Is(err, sharing.ErrShareIDInUse):
		return &ActionError{Kind: KindShareIDInUse, Message: err.Error()}
	case errors.Is(err, sharing.ErrInvalidID):
		return &ActionError{Kind: KindBadRequest, Message: err.Error()}
	case errors.Is(err, terminal.ErrXSS):
		return &ActionError{Kind: KindXSS, Message: err.Error()}
	}
	return &ActionError{Kind: KindInternal, Message: err.Error()}
}

// result is the value of the result field in permission and capture
// responses.
func result(err error) string {
	if err == nil {
		return "Success"
	}
	return classify(err).Kind
}
