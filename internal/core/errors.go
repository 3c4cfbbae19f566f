package core

// errors.go maps technical errors to messages an operator can act on.
//
// Codes by category:
//
//	DB001-DB007    store constraints and connectivity
//	VAL001-VAL004  request validation
//	ING001-ING004  ingestion pipeline
//	TPL001-TPL002  templates and header drift
//	SCH001-SCH003  dynamic schema
//	RATE001        throttling
//	ERR000         fallback; check the logs for the original error
//
// Patterns match case-insensitively with strings.Contains and the first
// match wins, so specific patterns come before general ones.

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors of the ingestion pipeline.
var (
	ErrHeaderDrift  = errors.New("header drift detected, confirmation required")
	ErrNoHeaders    = errors.New("headers are required")
	ErrInvalidTable = errors.New("not a fact table")
)

// UserMessage is the operator-facing form of an error.
type UserMessage struct {
	Message string
	Action  string
	Code    string
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Store constraints.
	{"duplicate key", UserMessage{"A record with this fingerprint already exists", "Re-ingesting the same rows is skipped; no action needed", "DB001"}},
	{"unique constraint", UserMessage{"A uniqueness rule rejected the write", "Check the dedup fields configured for this domain", "DB002"}},
	{"violates unique", UserMessage{"A uniqueness rule rejected the write", "Check the dedup fields configured for this domain", "DB002"}},
	{"violates not-null", UserMessage{"A required column was empty", "Report this to support with the batch identity", "DB003"}},

	// Store connectivity.
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB005"}},
	{"timeout", UserMessage{"Operation timed out", "Send smaller batches or try again later", "DB006"}},
	{"deadlock", UserMessage{"Database was busy with conflicting writes", "Please try again", "DB007"}},

	// Request validation.
	{"headers are required", UserMessage{"The batch carries no headers", "Send the original header row with the batch", "VAL001"}},
	{"invalid request", UserMessage{"The request body could not be read", "Send a JSON body matching the API documentation", "VAL002"}},
	{"invalid template id", UserMessage{"The template ID is not valid", "Use the ID returned when the template was saved", "VAL003"}},
	{"not a fact table", UserMessage{"The table is not managed by ingestion", "Use a table name returned by the tables endpoint", "VAL004"}},

	// Ingestion pipeline.
	{"too many concurrent ingestions", UserMessage{"The system is busy with other ingestions", "Please wait a moment and try again", "ING001"}},
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "ING002"}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Send smaller batches or try again later", "ING003"}},
	{"chunk write failed", UserMessage{"Some rows could not be written", "Check the error count in the result and re-send the batch", "ING004"}},

	// Templates.
	{"header drift", UserMessage{"The headers differ from the published template", "Review the header changes and resend with confirmation", "TPL001"}},
	{"template not found", UserMessage{"No published template matches", "Publish a template for this platform, domain and granularity", "TPL002"}},

	// Dynamic schema.
	{"table creation failed", UserMessage{"The target table could not be created", "Check database permissions and try again", "SCH001"}},
	{"too many columns", UserMessage{"The table reached its column limit", "New headers are kept in raw_data only", "SCH002"}},
	{"column limit", UserMessage{"The table reached its column limit", "New headers are kept in raw_data only", "SCH002"}},
	{"does not exist", UserMessage{"A table or column is missing", "Ensure the table before writing to it", "SCH003"}},

	// Throttling.
	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError returns the first message whose pattern occurs in err, or the
// ERR000 fallback. A nil error maps to the zero message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	s := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(s, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders err as "Message (Code: X). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	return err != nil && MapError(err).Code != defaultMessage.Code
}

// UserError keeps the technical error for logging next to its user message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string { return e.User.Message }

func (e *UserError) Unwrap() error { return e.Technical }

// NewUserError maps err; it returns nil for a nil error.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{Technical: err, User: MapError(err)}
}
