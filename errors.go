package convo

import (
	"strings"

	"github.com/joomcode/errorx"
	"github.com/maxbolgarin/errm"
)

// notRegisteredText is sent to users whose requests failed because they are
// unknown to the application.
const notRegisteredText = "You are not registered. Please register first with /start"

var errNotCallback = errm.New("update is not a callback")

var (
	errNamespace = errorx.NewNamespace("convo")

	// ErrNotRegistered marks handler failures caused by an unknown user.
	// The dispatch boundary answers such failures with a registration hint
	// instead of logging them.
	ErrNotRegistered = errNamespace.NewType("not_registered")
)

// NotRegisteredError creates an error of the not-registered kind. Return it
// from a handler when the effective user has no account yet.
func NotRegisteredError(userID int64) error {
	return ErrNotRegistered.New("user %d is not registered", userID)
}

// IsNotRegistered reports whether the error is of the not-registered kind.
func IsNotRegistered(err error) bool {
	return errorx.IsOfType(err, ErrNotRegistered)
}

// IsBlockedError reports whether the error means the bot was blocked by the
// user. Telegram gives no structured code for this, only the description.
func IsBlockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "bot was blocked by the user")
}

// dispatchError is the terminal error boundary of the pipeline. It consumes
// the error captured in the context and never fails itself. Exactly one of
// {user-visible message, error log} happens, never both.
func (b *Bot) dispatchError(u Update, c Context) {
	err := c.Err()
	if err == nil {
		return
	}

	switch {
	case IsNotRegistered(err):
		b.metrics.incError(metricsErrorNotRegistered)
		if _, serr := c.Client().SendMessage(u.ChatID, notRegisteredText); serr != nil {
			b.log.Warn("cannot send registration hint", updateFields(u, "error", serr)...)
		}

	case IsBlockedError(err):
		b.metrics.incError(metricsErrorBlocked)
		b.log.Info("bot is blocked, disable user", updateFields(u)...)
		b.manager.setUserDisabled(u.UserID, true)

	default:
		b.metrics.incError(metricsErrorUnclassified)
		b.log.Error("unhandled handler error", updateFields(u, "error", err)...)
	}
}

func updateFields(u Update, fields ...any) []any {
	f := make([]any, 0, len(fields)+6)
	f = append(f, "user_id", u.UserID, "chat_id", u.ChatID, "msg_id", u.MessageID)
	return append(f, fields...)
}
