package pipeline

import (
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind is the error category reported to clients as errorType.
type Kind string

const (
	KindValidation     Kind = "ValidationError"
	KindUnknownModel   Kind = "UnknownModel"
	KindStartup        Kind = "StartupError"
	KindTimeout        Kind = "TimeoutError"
	KindWorkerExit     Kind = "WorkerExitError"
	KindNoJSON         Kind = "NoJsonFound"
	KindMalformedJSON  Kind = "MalformedJson"
	KindWorkerReported Kind = "WorkerReportedError"
	KindCanceled       Kind = "Canceled"
	KindInternal       Kind = "InternalError"
)

// Kinds lists every category, for counters.
var Kinds = []Kind{
	KindValidation, KindUnknownModel, KindStartup, KindTimeout, KindWorkerExit,
	KindNoJSON, KindMalformedJSON, KindWorkerReported, KindCanceled, KindInternal,
}

// HTTPStatus maps a kind to the response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnknownModel:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a kind to a gRPC status code.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindValidation:
		return codes.InvalidArgument
	case KindUnknownModel:
		return codes.NotFound
	case KindTimeout:
		return codes.DeadlineExceeded
	case KindCanceled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// Error is the single failure type Run returns.
type Error struct {
	Kind     Kind
	Model    string
	Message  string
	ExitCode int
	// Stdout and Stderr are what the worker printed, kept for debug responses.
	Stdout string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Model, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
