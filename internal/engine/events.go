package engine

import (
	"time"

	"github.com/you/lampbot/internal/core"
)

const (
	EventAchievement    = "achievement"
	EventTriggerReply   = "trigger_reply"
	EventNickname       = "nickname"
	EventProposalOpened = "proposal_opened"
	EventProposalClosed = "proposal_closed"
	EventChatRejected   = "chat_rejected"
)

const rejectionNotice = "Этот чат не в списке разрешённых. Попросите владельца бота добавить его."

// Event is an announcement for the transport to post in the chat.
type Event struct {
	Type   string      `json:"type"`
	ChatID core.ChatID `json:"chat_id"`
	UserID core.UserID `json:"user_id,omitempty"`
	Text   string      `json:"text"`
	At     time.Time   `json:"at"`
	Data   any         `json:"data,omitempty"`
}

// Publisher receives announcements. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }
