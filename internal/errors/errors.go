// Package errors provides unified error handling with a stable error code set.
// Codes are shared across the HTTP surface and the gRPC inference transport.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain is the ErrorInfo domain attached to gRPC status details.
const Domain = "voicelog"

// Code identifies an error class.
type Code string

const (
	Unknown                Code = "UNKNOWN"
	Internal               Code = "INTERNAL"
	InvalidArgument        Code = "INVALID_ARGUMENT"
	Unavailable            Code = "UNAVAILABLE"
	Timeout                Code = "TIMEOUT"
	Cancelled              Code = "CANCELLED"
	DeviceUnavailable      Code = "DEVICE_UNAVAILABLE"
	BackpressureExceeded   Code = "BACKPRESSURE_EXCEEDED"
	ModelLoadError         Code = "MODEL_LOAD_ERROR"
	TranscriptionTransient Code = "TRANSCRIPTION_TRANSIENT"
	StitchAmbiguous        Code = "STITCH_AMBIGUOUS"
	MalformedDuration      Code = "MALFORMED_DURATION"
	IndexOutOfRange        Code = "INDEX_OUT_OF_RANGE"
	RecordingNotFound      Code = "RECORDING_NOT_FOUND"
	AlreadyRecording       Code = "ALREADY_RECORDING"
	NotRecording           Code = "NOT_RECORDING"
)

func (c Code) String() string { return string(c) }

var grpcCodeMap = map[Code]codes.Code{
	Unknown:                codes.Unknown,
	Internal:               codes.Internal,
	InvalidArgument:        codes.InvalidArgument,
	Unavailable:            codes.Unavailable,
	Timeout:                codes.DeadlineExceeded,
	Cancelled:              codes.Canceled,
	DeviceUnavailable:      codes.FailedPrecondition,
	BackpressureExceeded:   codes.ResourceExhausted,
	ModelLoadError:         codes.Unavailable,
	TranscriptionTransient: codes.Unavailable,
	StitchAmbiguous:        codes.Internal,
	MalformedDuration:      codes.InvalidArgument,
	IndexOutOfRange:        codes.OutOfRange,
	RecordingNotFound:      codes.NotFound,
	AlreadyRecording:       codes.FailedPrecondition,
	NotRecording:           codes.FailedPrecondition,
}

var httpStatusMap = map[Code]int{
	Unknown:                http.StatusInternalServerError,
	Internal:               http.StatusInternalServerError,
	InvalidArgument:        http.StatusBadRequest,
	Unavailable:            http.StatusServiceUnavailable,
	Timeout:                http.StatusGatewayTimeout,
	Cancelled:              499,
	DeviceUnavailable:      http.StatusServiceUnavailable,
	BackpressureExceeded:   http.StatusServiceUnavailable,
	ModelLoadError:         http.StatusServiceUnavailable,
	TranscriptionTransient: http.StatusServiceUnavailable,
	StitchAmbiguous:        http.StatusInternalServerError,
	MalformedDuration:      http.StatusUnprocessableEntity,
	IndexOutOfRange:        http.StatusNotFound,
	RecordingNotFound:      http.StatusNotFound,
	AlreadyRecording:       http.StatusConflict,
	NotRecording:           http.StatusConflict,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// HTTPStatus returns the HTTP status used when the error reaches a client.
func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatusMap[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// GRPCStatus returns a gRPC status with an ErrorInfo detail attached.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Message)
	info := &errdetails.ErrorInfo{Reason: string(e.Code), Domain: Domain, Metadata: e.Metadata}
	if withDetails, err := st.WithDetails(info); err == nil {
		return withDetails
	}
	return st
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError extracts AppError from a gRPC error if present.
func FromGRPCError(err error) *AppError {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: Unknown, Message: err.Error(), Cause: err}
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == Domain {
			return &AppError{Code: Code(info.GetReason()), Message: st.Message(), Metadata: info.GetMetadata(), Cause: err}
		}
	}

	// Fallback: map gRPC code to our error code
	return &AppError{Code: grpcToErrorCode(st.Code()), Message: st.Message(), Cause: err}
}

// grpcToErrorCode maps gRPC codes back to our error codes (best effort).
func grpcToErrorCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.NotFound:
		return RecordingNotFound
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return TranscriptionTransient
	case codes.DeadlineExceeded:
		return Timeout
	case codes.Canceled:
		return Cancelled
	case codes.Internal:
		return Internal
	case codes.OutOfRange:
		return IndexOutOfRange
	default:
		return Unknown
	}
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in err's chain, or Unknown.
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return Unknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case TranscriptionTransient, Unavailable, Timeout:
		return true
	default:
		return false
	}
}
