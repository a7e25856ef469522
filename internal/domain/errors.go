package domain

import "fmt"

// ErrorKind names an expected business outcome of a commitment operation.
type ErrorKind string

const (
	KindResourceAlreadyCommitted ErrorKind = "resource_already_committed"
	KindResourceNotEligible      ErrorKind = "resource_not_eligible"
	KindResourceNotFound         ErrorKind = "resource_not_found"
	KindInterestNotFound         ErrorKind = "interest_not_found"
	KindNotCommitted             ErrorKind = "not_committed"
	KindAlreadySecured           ErrorKind = "already_secured"
	KindActorMismatch            ErrorKind = "actor_mismatch"
	KindInvalidAmount            ErrorKind = "invalid_amount"
	KindResourceExists           ErrorKind = "resource_exists"
	KindInvalidInput             ErrorKind = "invalid_input"
	// KindConcurrentUpdate means the record kept changing while an operation retried.
	KindConcurrentUpdate         ErrorKind = "concurrent_update"
)

// Error is a modeled, recoverable rejection. Storage failures are never of this type.
type Error struct {
	Kind       ErrorKind
	ResourceID string
	ActorID    string
}

func (e *Error) Error() string {
	if e.ResourceID == "" {
		return string(e.Kind)
	}
	if e.ActorID == "" {
		return fmt.Sprintf("%s: resource %s", e.Kind, e.ResourceID)
	}
	return fmt.Sprintf("%s: resource %s, actor %s", e.Kind, e.ResourceID, e.ActorID)
}

// Is matches on Kind so callers can use the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds a kind-tagged error carrying the resource and actor involved.
func NewError(kind ErrorKind, resourceID, actorID string) *Error {
	return &Error{Kind: kind, ResourceID: resourceID, ActorID: actorID}
}

var (
	ErrResourceAlreadyCommitted = &Error{Kind: KindResourceAlreadyCommitted}
	ErrResourceNotEligible      = &Error{Kind: KindResourceNotEligible}
	ErrResourceNotFound         = &Error{Kind: KindResourceNotFound}
	ErrInterestNotFound         = &Error{Kind: KindInterestNotFound}
	ErrNotCommitted             = &Error{Kind: KindNotCommitted}
	ErrAlreadySecured           = &Error{Kind: KindAlreadySecured}
	ErrActorMismatch            = &Error{Kind: KindActorMismatch}
	ErrInvalidAmount            = &Error{Kind: KindInvalidAmount}
	ErrResourceExists           = &Error{Kind: KindResourceExists}
	ErrInvalidInput             = &Error{Kind: KindInvalidInput}
	ErrConcurrentUpdate         = &Error{Kind: KindConcurrentUpdate}
)
