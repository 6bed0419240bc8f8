package convo

import (
	"regexp"
	"strings"

	tele "gopkg.in/telebot.v4"
)

var cbackRx = regexp.MustCompile(`^\f([-\w]+)(\|(.+))?$`)

// Update is a source-agnostic view of a single incoming event. It is built
// once per update and is read-only for handlers and middlewares.
type Update struct {
	// ID is the Telegram update ID.
	ID int

	// UserID is the ID of the effective sender. It is never zero: updates
	// without a resolvable sender are dropped before any handler runs.
	UserID int64

	// ChatID is the ID of the effective chat. For private chats it equals
	// UserID.
	ChatID int64

	// MessageID is the ID of the effective message: the incoming message
	// itself or, for callbacks, the message the pressed button belongs to.
	MessageID int

	// Text is the message text. Empty for callbacks without a message.
	Text string

	// IsCallback reports whether the update is a callback query.
	IsCallback bool

	// CallbackID is the callback query ID used for acknowledgement.
	CallbackID string

	// CallbackUnique is the button unique parsed from the callback data.
	CallbackUnique string

	// CallbackData is the opaque callback payload after the unique prefix.
	CallbackData string
}

// newUpdate builds an Update from a raw telebot update. It returns false when
// the update has no resolvable sender.
func newUpdate(upd *tele.Update) (Update, bool) {
	sender := getSender(upd)
	if sender == nil {
		return Update{}, false
	}

	u := Update{
		ID:     upd.ID,
		UserID: sender.ID,
		ChatID: sender.ID,
	}
	if chat := getChat(upd); chat != nil {
		u.ChatID = chat.ID
	}

	switch {
	case upd.Callback != nil:
		u.IsCallback = true
		u.CallbackID = upd.Callback.ID
		if upd.Callback.Message != nil {
			u.MessageID = upd.Callback.Message.ID
			u.Text = upd.Callback.Message.Text
		}
		u.CallbackUnique, u.CallbackData = parseCallbackData(upd.Callback)

	case upd.Message != nil:
		u.MessageID = upd.Message.ID
		u.Text = upd.Message.Text

	case upd.EditedMessage != nil:
		u.MessageID = upd.EditedMessage.ID
		u.Text = upd.EditedMessage.Text
	}

	return u, true
}

// Command returns the command token of a message like "/order 42", without
// the bot mention. It returns an empty string for non-command updates.
func (u Update) Command() string {
	if u.IsCallback || !strings.HasPrefix(u.Text, "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(u.Text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd
}

// CommandArgs returns everything after the command token.
func (u Update) CommandArgs() string {
	if u.Command() == "" {
		return ""
	}
	_, args, _ := strings.Cut(u.Text, " ")
	return strings.TrimSpace(args)
}

// parseCallbackData splits telebot's "\f<unique>|<payload>" wire format.
// Telebot fills Unique itself when the callback was routed to a registered
// button; unrouted callbacks arrive raw on the OnCallback endpoint.
func parseCallbackData(cb *tele.Callback) (unique, payload string) {
	if cb.Unique != "" {
		return cb.Unique, cb.Data
	}
	if match := cbackRx.FindAllStringSubmatch(cb.Data, -1); match != nil {
		return match[0][1], match[0][3]
	}
	return "", cb.Data
}

func getSender(upd *tele.Update) *tele.User {
	switch {
	case upd.Callback != nil:
		return upd.Callback.Sender
	case upd.Message != nil:
		return upd.Message.Sender
	case upd.EditedMessage != nil:
		return upd.EditedMessage.Sender
	case upd.Query != nil:
		return upd.Query.Sender
	case upd.MessageReaction != nil:
		return upd.MessageReaction.User
	case upd.InlineResult != nil:
		return upd.InlineResult.Sender
	case upd.MyChatMember != nil:
		return upd.MyChatMember.Sender
	case upd.ShippingQuery != nil:
		return upd.ShippingQuery.Sender
	case upd.PreCheckoutQuery != nil:
		return upd.PreCheckoutQuery.Sender
	case upd.PollAnswer != nil:
		return upd.PollAnswer.Sender
	case upd.ChatJoinRequest != nil:
		return upd.ChatJoinRequest.Sender
	default:
		return nil
	}
}

func getChat(upd *tele.Update) *tele.Chat {
	switch {
	case upd.Callback != nil && upd.Callback.Message != nil:
		return upd.Callback.Message.Chat
	case upd.Message != nil:
		return upd.Message.Chat
	case upd.EditedMessage != nil:
		return upd.EditedMessage.Chat
	case upd.MessageReaction != nil:
		return upd.MessageReaction.Chat
	case upd.MyChatMember != nil:
		return upd.MyChatMember.Chat
	case upd.ChatJoinRequest != nil:
		return upd.ChatJoinRequest.Chat
	default:
		return nil
	}
}
