package chat

import "time"

// Attachment is the opaque record produced by the upload collaborator. The
// core never looks at the blob itself.
type Attachment struct {
	URL       string `json:"url" validate:"required,max=2048"`
	Filename  string `json:"filename" validate:"required,max=255"`
	MediaKind string `json:"mediaKind,omitempty" validate:"omitempty,oneof=image video audio document"`
	SizeBytes int64  `json:"sizeBytes" validate:"gte=0"`
}

// Conversation is a two-party thread plus its rolling summary. ParticipantA is
// always the smaller id of the pair.
type Conversation struct {
	ID              string     `json:"id"`
	ParticipantA    string     `json:"participantA"`
	ParticipantB    string     `json:"participantB"`
	LastMessageText string     `json:"lastMessageText"`
	LastMessageAt   *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount     int        `json:"unreadCount"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// OrderedPair returns the two ids in storage order.
func OrderedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ConversationSummary is a Conversation as seen by one of its participants.
type ConversationSummary struct {
	Conversation
	OtherUser UserRef `json:"otherUser"`
}

type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	SenderUsername string       `json:"senderUsername,omitempty"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments"`
	CreatedAt      time.Time    `json:"createdAt"`
	ReadBy         []string     `json:"readBy"`
}
