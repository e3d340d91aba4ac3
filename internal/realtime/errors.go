package realtime

import (
	"context"
	"errors"

	"github.com/2389/huddle/internal/chat"
	"github.com/2389/huddle/internal/conversation"
	"github.com/2389/huddle/internal/presence"
	"github.com/2389/huddle/internal/store"
)

// Error codes carried in error frames.
const (
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeUnavailable    = "unavailable"
	CodeInvalidRequest = "invalid_request"
	CodeInternal       = "internal"
)

// ErrInvalidFrame is returned for frames that cannot be decoded or lack required fields.
var ErrInvalidFrame = errors.New("invalid frame")

// ErrorCode classifies an error for clients. The HTTP API maps the same codes
// to status codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, conversation.ErrNotParticipant),
		errors.Is(err, conversation.ErrNotOwner),
		errors.Is(err, chat.ErrNotSender):
		return CodeForbidden
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidFrame),
		errors.Is(err, chat.ErrInvalidMessage),
		errors.Is(err, store.ErrInvalidCursor),
		errors.Is(err, conversation.ErrInvalidConversation),
		errors.Is(err, conversation.ErrDirectImmutable),
		errors.Is(err, presence.ErrNotAuthenticated):
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}

// ClientMessage is the text shown to clients for err. Internal and
// unavailable failures get a fixed message so store detail never leaks.
func ClientMessage(code string, err error) string {
	if code == CodeInternal {
		return "internal error"
	}
	if code == CodeUnavailable {
		return "service temporarily unavailable"
	}
	return err.Error()
}
