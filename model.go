package convo

import (
	"time"

	tele "gopkg.in/telebot.v4"
)

// UserRecord is the stored profile of a bot user. It mirrors the fields
// Telegram exposes about the sender plus bookkeeping the bot maintains.
type UserRecord struct {
	ID           int64     `bson:"id" json:"id"`
	FirstName    string    `bson:"first_name" json:"first_name"`
	LastName     string    `bson:"last_name,omitempty" json:"last_name,omitempty"`
	Username     string    `bson:"username,omitempty" json:"username,omitempty"`
	LanguageCode string    `bson:"language_code,omitempty" json:"language_code,omitempty"`
	IsPremium    bool      `bson:"is_premium,omitempty" json:"is_premium,omitempty"`
	IsBot        bool      `bson:"is_bot,omitempty" json:"is_bot,omitempty"`
	Disabled     bool      `bson:"disabled" json:"disabled"`
	Registered   bool      `bson:"registered" json:"registered"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	LastSeenAt   time.Time `bson:"last_seen_at" json:"last_seen_at"`
}

func newUserRecord(user *tele.User) UserRecord {
	now := time.Now().UTC()
	return UserRecord{
		ID:           user.ID,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		Username:     user.Username,
		LanguageCode: user.LanguageCode,
		IsPremium:    user.IsPremium,
		IsBot:        user.IsBot,
		CreatedAt:    now,
		LastSeenAt:   now,
	}
}

// Name returns a human readable user name for logs.
func (u UserRecord) Name() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}

// ChatRecord is the stored profile of a chat the bot has seen.
type ChatRecord struct {
	ID         int64     `bson:"id" json:"id"`
	Type       string    `bson:"type" json:"type"`
	Title      string    `bson:"title,omitempty" json:"title,omitempty"`
	Username   string    `bson:"username,omitempty" json:"username,omitempty"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	LastSeenAt time.Time `bson:"last_seen_at" json:"last_seen_at"`
}

func newChatRecord(chat *tele.Chat) ChatRecord {
	now := time.Now().UTC()
	return ChatRecord{
		ID:         chat.ID,
		Type:       string(chat.Type),
		Title:      chat.Title,
		Username:   chat.Username,
		CreatedAt:  now,
		LastSeenAt: now,
	}
}

// ConversationRecord is the persisted state of an active dialog scope.
// Name and Key together identify the scope, State is the dialog state the
// scope is currently in.
type ConversationRecord struct {
	Name      string    `bson:"name" json:"name"`
	Key       string    `bson:"key" json:"key"`
	State     string    `bson:"state" json:"state"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

func newConversationRecord(name, key, state string) ConversationRecord {
	return ConversationRecord{
		Name:      name,
		Key:       key,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
}
