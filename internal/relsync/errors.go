package relsync

import "fmt"

// Move failure codes.
const (
	CodeSourceNotFound       = "SOURCE_NOT_FOUND"
	CodeRelatedNotInSource   = "RELATED_NOT_IN_SOURCE"
	CodeNoDestination        = "NO_DESTINATION"
	CodeTransitionNotAllowed = "TRANSITION_NOT_ALLOWED"
)

// MoveError is a lookup failure reported to the operator.
type MoveError struct {
	Code    string
	Message string
}

func (e *MoveError) Error() string {
	return e.Message
}

func sourceNotFound(collection, id string) *MoveError {
	return &MoveError{
		Code:    CodeSourceNotFound,
		Message: fmt.Sprintf("record %s not found in %s", id, collection),
	}
}

func relatedNotInSource(relatedID, recordID, field string) *MoveError {
	return &MoveError{
		Code:    CodeRelatedNotInSource,
		Message: fmt.Sprintf("%s is not in %s of record %s", relatedID, field, recordID),
	}
}

func noDestination(status string) *MoveError {
	return &MoveError{
		Code:    CodeNoDestination,
		Message: fmt.Sprintf("no destination record for status %q; the entity was removed from its previous record", status),
	}
}

func transitionNotAllowed(from, to, reason string) *MoveError {
	msg := fmt.Sprintf("transition from %q to %q is not allowed", from, to)
	if reason != "" {
		msg += ": " + reason
	}
	return &MoveError{Code: CodeTransitionNotAllowed, Message: msg}
}
