package core

import (
	"strconv"
	"time"
)

// ChatID and UserID are the platform's stable integer identifiers.
type (
	ChatID int64
	UserID int64
)

func (c ChatID) String() string { return strconv.FormatInt(int64(c), 10) }
func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

// ParseChatID parses the decimal form used in snapshots and HTTP queries.
func ParseChatID(s string) (ChatID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	return ChatID(n), err
}

func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	return UserID(n), err
}

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
)

// IsGroup reports whether the chat is subject to the allowlist.
func (t ChatType) IsGroup() bool {
	return t == ChatGroup || t == ChatSupergroup
}

// User is an observed message author or reply target.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Message is an inbound chat event as delivered by the transport collaborator.
type Message struct {
	ChatID    ChatID    `json:"chat_id"`
	ChatType  ChatType  `json:"chat_type"`
	ChatTitle string    `json:"chat_title,omitempty"`
	From      User      `json:"from"`
	ReplyTo   *User     `json:"reply_to,omitempty"`
	Text      string    `json:"text"`
	Ts        time.Time `json:"ts"`
}
