package conversations

import "errors"

// Conversation management errors
var (
	ErrInvalidStudentID    = errors.New("invalid student ID format")
	ErrInvalidInstructorID = errors.New("invalid instructor ID format")
	ErrWrongRole           = errors.New("user does not hold the role required for this side of the chat")
)
