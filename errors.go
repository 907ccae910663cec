package flowhs

import (
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

// Text codes attached to every error the control plane produces.
const (
	CodeValidation                 = "VALIDATION_FAILED"
	CodeInvalidArgument            = "INVALID_ARGUMENT"
	CodeUnsupportedOperation       = "UNSUPPORTED_OPERATION"
	CodeUnsupportedSwitchOperation = "UNSUPPORTED_SWITCH_OPERATION"
	CodeIllegalState               = "ILLEGAL_STATE"
	CodeSpeakerCommandFailed       = "SPEAKER_COMMAND_FAILED"
	CodeSpeakerCommandTimeout      = "SPEAKER_COMMAND_TIMEOUT"
	CodeSagaConflict               = "SAGA_CONFLICT"
	CodeForbiddenSubFlow           = "FORBIDDEN_SUB_FLOW"
	CodeFlowNotFound               = "FLOW_NOT_FOUND"
	CodeResourceAllocation         = "RESOURCE_ALLOCATION_FAILED"
	CodeRegistryDraining           = "REGISTRY_DRAINING"
	CodeAbandoned                  = "SAGA_ABANDONED"
)

// ErrorKind groups text codes into the taxonomy reported northbound.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindUnsupported ErrorKind = "unsupported-operation"
	KindProtocol    ErrorKind = "protocol"
	KindConflict    ErrorKind = "conflict"
	KindConsistency ErrorKind = "consistency"
	KindInternal    ErrorKind = "internal"
)

var (
	ErrValidation = errors.New("validation error", errors.CategoryValidation).
			WithTextCode(CodeValidation)
	ErrInvalidArgument = errors.New("invalid argument", errors.CategoryBadInput).
				WithTextCode(CodeInvalidArgument)
	ErrUnsupportedOperation = errors.New("unsupported operation", errors.CategoryBadInput).
				WithTextCode(CodeUnsupportedOperation)
	ErrUnsupportedSwitchOperation = errors.New("unsupported switch operation", errors.CategoryBadInput).
					WithTextCode(CodeUnsupportedSwitchOperation)
	ErrIllegalState = errors.New("illegal state", errors.CategoryHandler).
			WithTextCode(CodeIllegalState)
	ErrSpeakerCommandFailed = errors.New("speaker command failed", errors.CategoryExternal).
				WithTextCode(CodeSpeakerCommandFailed)
	ErrSpeakerCommandTimeout = errors.New("speaker command timed out", errors.CategoryExternal).
					WithTextCode(CodeSpeakerCommandTimeout)
	ErrSagaConflict = errors.New("saga already active", errors.CategoryConflict).
			WithTextCode(CodeSagaConflict)
	ErrForbiddenSubFlow = errors.New("forbidden sub-flow operation", errors.CategoryBadInput).
				WithTextCode(CodeForbiddenSubFlow)
	ErrFlowNotFound = errors.New("flow not found", errors.CategoryBadInput).
			WithTextCode(CodeFlowNotFound)
	ErrResourceAllocation = errors.New("resource allocation failed", errors.CategoryExternal).
				WithTextCode(CodeResourceAllocation)
	ErrRegistryDraining = errors.New("registry is draining", errors.CategoryConflict).
				WithTextCode(CodeRegistryDraining)
	ErrAbandoned = errors.New("saga abandoned", errors.CategoryHandler).
			WithTextCode(CodeAbandoned)
)

// NewError clones base, replacing its message and attaching metadata.
func NewError(base *errors.Error, message string, metadata map[string]any) *errors.Error {
	return WrapError(base, message, nil, metadata)
}

// WrapError clones base with source as the underlying cause.
func WrapError(base *errors.Error, message string, source error, metadata map[string]any) *errors.Error {
	if base == nil {
		base = ErrIllegalState
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the outermost *errors.Error in err.
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// ErrorKindOf classifies err for northbound consumers.
func ErrorKindOf(err error) ErrorKind {
	switch ErrorCode(err) {
	case CodeValidation, CodeInvalidArgument, CodeForbiddenSubFlow, CodeFlowNotFound:
		return KindValidation
	case CodeUnsupportedOperation, CodeUnsupportedSwitchOperation:
		return KindUnsupported
	case CodeSpeakerCommandFailed, CodeSpeakerCommandTimeout:
		return KindProtocol
	case CodeSagaConflict, CodeRegistryDraining:
		return KindConflict
	default:
		return KindInternal
	}
}

// ErrorMessage returns the human message of err without its cause chain.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ge *errors.Error
	if stderrors.As(err, &ge) && ge.Message != "" {
		return ge.Message
	}
	return err.Error()
}
