package core

import (
	"errors"
	"fmt"
)

// Kind classifies failures at the dialogue boundary. Each kind maps to one user-visible reaction.
type Kind int

const (
	KindUnknown Kind = iota
	// KindVerification: identity lookup failed; re-prompt, state unchanged.
	KindVerification
	// KindRestrictionSource: lab result download or parse failed; restrictions treated as empty.
	KindRestrictionSource
	// KindExternalService: embedding, search, hydrate or completion failed or timed out.
	KindExternalService
	// KindSelectionMismatch: the completion named a recipe outside the candidate set.
	KindSelectionMismatch
	// KindValidation: unrecognized input at a menu.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindVerification:
		return "VerificationError"
	case KindRestrictionSource:
		return "RestrictionSourceError"
	case KindExternalService:
		return "ExternalServiceError"
	case KindSelectionMismatch:
		return "SelectionMismatch"
	case KindValidation:
		return "ValidationError"
	default:
		return "UnknownError"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
