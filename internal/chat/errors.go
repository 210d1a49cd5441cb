package chat

import (
	"errors"
	"fmt"
)

var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenInvalid = errors.New("token invalid")

	ErrValidation           = errors.New("validation failed")
	ErrEmptyMessage         = fmt.Errorf("%w: message must contain text or attachments", ErrValidation)
	ErrUnknownEvent         = errors.New("unknown event")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of this conversation")
	ErrNotInRoom            = errors.New("join the conversation before sending events to it")

	ErrStorage = errors.New("storage failure")
)
