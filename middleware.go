package convo

import (
	"github.com/maxbolgarin/lang"
)

// DefaultApologyText is sent by ExitConversationOnError when a conversation
// handler fails and no custom text was provided.
const DefaultApologyText = "I'm sorry, something went wrong, try again or contact an Administrator."

// Middleware wraps a handler and returns a new one. Middlewares are composed
// explicitly at registration time with Chain.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes a handler with middlewares. The first middleware becomes the
// outermost layer:
//
//	Chain(h, A, B) == A(B(h))
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// AdminOnly gates a handler to the given user IDs. Events from anyone else
// are dropped silently: no reply, no error and no log line, the handler is
// not invoked.
func AdminOnly(adminIDs ...int64) Middleware {
	allowed := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		allowed[id] = struct{}{}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(u Update, c Context) (State, error) {
			if _, ok := allowed[u.UserID]; !ok {
				return StateNone, nil
			}
			return next(u, c)
		}
	}
}

// DeleteAfter runs the handler and then deletes the triggering message from
// the chat. The deletion is best effort: a failure is logged on debug level
// and discarded, the handler result is returned unchanged either way.
func DeleteAfter(next HandlerFunc) HandlerFunc {
	return func(u Update, c Context) (State, error) {
		st, err := next(u, c)

		if derr := c.Client().DeleteMessage(u.ChatID, u.MessageID); derr != nil {
			c.Logger().Debug("cannot delete message", updateFields(u, "error", derr)...)
		}

		return st, err
	}
}

// ExitConversationOnError is the failure boundary for conversation handlers.
// On handler error or panic it sends an apology to the chat, clears the
// chat-scoped conversation data slot and returns StateEnd so the
// conversation runtime tears the instance down. On success the handler
// result passes through untouched.
//
// The apology text defaults to DefaultApologyText.
func ExitConversationOnError(text ...string) Middleware {
	apology := lang.Check(lang.First(text), DefaultApologyText)

	return func(next HandlerFunc) HandlerFunc {
		return func(u Update, c Context) (State, error) {
			st, err := runProtected(next, u, c)
			if err == nil {
				return st, nil
			}

			c.Logger().Warn("conversation handler failed, exiting", updateFields(u, "error", err)...)

			if _, serr := c.Client().SendMessage(u.ChatID, apology); serr != nil {
				c.Logger().Warn("cannot send apology", updateFields(u, "error", serr)...)
			}
			c.ChatData().Delete(ConversationDataKey)

			return StateEnd, nil
		}
	}
}

// runProtected invokes the handler converting a panic into an error.
func runProtected(h HandlerFunc, u Update, c Context) (st State, err error) {
	defer lang.RecoverWithErrAndStack(c.Logger(), &err)
	return h(u, c)
}
