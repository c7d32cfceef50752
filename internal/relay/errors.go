package relay

import (
	"errors"
	"fmt"

	"github.com/whisper/strangers/internal/protocol"
)

// Condition is a failure reported to the caller as a single outbound event.
// Conditions compare equal under errors.Is when their codes match.
type Condition struct {
	Code     string
	Event    string
	Message  string
	Internal error
}

func (c *Condition) Error() string {
	if c.Internal != nil {
		return fmt.Sprintf("%s: %s: %v", c.Code, c.Message, c.Internal)
	}
	return fmt.Sprintf("%s: %s", c.Code, c.Message)
}

func (c *Condition) Unwrap() error {
	return c.Internal
}

func (c *Condition) Is(target error) bool {
	t, ok := target.(*Condition)
	return ok && t.Code == c.Code
}

// WithInternal returns a copy carrying err as the underlying cause.
func (c *Condition) WithInternal(err error) *Condition {
	cp := *c
	cp.Internal = err
	return &cp
}

// Payload builds the outbound event body.
func (c *Condition) Payload() []byte {
	if c.Event == protocol.TypeError {
		return protocol.MustServerMessage(c.Event, protocol.ErrorMsg{Code: c.Code, Message: c.Message})
	}
	return protocol.MustServerMessage(c.Event, protocol.NoticeMsg{Message: c.Message})
}

// AsCondition extracts a Condition from err, or wraps err as an internal error.
func AsCondition(err error) *Condition {
	var c *Condition
	if errors.As(err, &c) {
		return c
	}
	return ErrInternal.WithInternal(err)
}

var (
	ErrNoPartner = &Condition{
		Code: "no_partner", Event: protocol.TypeNoPartner,
		Message: "You are not connected to a partner yet.",
	}
	ErrNoChatSession = &Condition{
		Code: "no_chat_session", Event: protocol.TypeReportError,
		Message: "You are not currently in a chat session.",
	}
	ErrNoVideoSession = &Condition{
		Code: "no_video_session", Event: protocol.TypeReportError,
		Message: "You are not currently in a video session.",
	}
	ErrPartnerNotFound = &Condition{
		Code: "partner_not_found", Event: protocol.TypeReportError,
		Message: "Unable to find the user to report.",
	}
	ErrRateLimited = &Condition{
		Code: "rate_limited", Event: protocol.TypeReportLimitExceeded,
		Message: "You have reached the report limit. Please try again later.",
	}
	ErrReportFailed = &Condition{
		Code: "report_failed", Event: protocol.TypeReportError,
		Message: "An error occurred while processing your report.",
	}
	ErrInvalidReportType = &Condition{
		Code: "invalid_report_type", Event: protocol.TypeReportError,
		Message: "Invalid report type.",
	}
	ErrInvalidPayload = &Condition{
		Code: "invalid_payload", Event: protocol.TypeError,
		Message: "The message could not be understood.",
	}
	ErrInvalidMessage = &Condition{
		Code: "invalid_message", Event: protocol.TypeError,
		Message: "Messages must be 1 to 2000 characters of valid text.",
	}
	ErrInternal = &Condition{
		Code: "internal", Event: protocol.TypeError,
		Message: "Something went wrong.",
	}
)
