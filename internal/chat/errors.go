package chat

import "fmt"

// ValidationError rejects bad input before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateContent checks an outgoing message body.
func ValidateContent(content string) error {
	if content == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	return nil
}

// ValidateCaseID checks a conversation identifier.
func ValidateCaseID(id CaseID) error {
	if id == "" {
		return &ValidationError{Field: "case_id", Reason: "must not be empty"}
	}
	return nil
}

// ValidateUserID checks a participant identifier.
func ValidateUserID(field string, id UserID) error {
	if id == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}
