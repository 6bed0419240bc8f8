package convo

import (
	"encoding/json"

	"github.com/maxbolgarin/errm"
	tele "gopkg.in/telebot.v4"
)

// maxCallbackDataLen is the Telegram limit for callback data. Telebot sends
// "\f<unique>|<payload>", so unique and payload share the limit.
const maxCallbackDataLen = 64

// Codec encodes typed values into callback payloads and decodes them back.
// The button unique works as the discriminator: Decode matches it first and
// only then unmarshals the payload, so a codec never decodes foreign
// callbacks.
type Codec[T any] struct {
	unique string
}

// NewCodec creates a codec bound to the given button unique.
func NewCodec[T any](unique string) Codec[T] {
	return Codec[T]{unique: unique}
}

// Unique returns the button unique the codec is bound to.
func (c Codec[T]) Unique() string {
	return c.unique
}

// CallbackUnique makes the codec usable as a telebot endpoint, so a codec
// can be passed to Bot.Handle directly.
func (c Codec[T]) CallbackUnique() string {
	return "\f" + c.unique
}

// Encode marshals the value into a callback payload. It fails when the
// payload would not fit into the Telegram callback data limit.
func (c Codec[T]) Encode(v T) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errm.Wrap(err, "marshal", "unique", c.unique)
	}
	if len(c.unique)+len(raw)+2 > maxCallbackDataLen {
		return "", errm.New("callback data is too long", "unique", c.unique, "len", len(raw))
	}
	return string(raw), nil
}

// Decode extracts a typed value from the update. It returns false when the
// update is not a callback, carries another unique or holds a payload that
// does not unmarshal into T.
func (c Codec[T]) Decode(u Update) (T, bool) {
	var v T
	if !u.IsCallback || u.CallbackUnique != c.unique {
		return v, false
	}
	if err := json.Unmarshal([]byte(u.CallbackData), &v); err != nil {
		return v, false
	}
	return v, true
}

// Btn builds an inline button carrying the encoded value.
func (c Codec[T]) Btn(text string, v T) (tele.Btn, error) {
	data, err := c.Encode(v)
	if err != nil {
		return tele.Btn{}, err
	}
	return tele.Btn{Text: text, Unique: c.unique, Data: data}, nil
}

// MustBtn is like Btn but panics on encoding errors. Use it for payloads of
// known size.
func (c Codec[T]) MustBtn(text string, v T) tele.Btn {
	btn, err := c.Btn(text, v)
	if err != nil {
		panic(err)
	}
	return btn
}

type callbackOptions struct {
	answerAfter bool
}

// CallbackOption configures the Inject wrapper.
type CallbackOption func(*callbackOptions)

// WithoutAnswer disables the automatic callback acknowledgement after the
// handler. The handler becomes responsible for answering the query itself.
func WithoutAnswer() CallbackOption {
	return func(o *callbackOptions) {
		o.answerAfter = false
	}
}

// Inject adapts a typed handler into a HandlerFunc. It decodes the callback
// payload before dispatch and passes the value as the third argument. When
// the codec does not match, the handler is not invoked and nothing else
// happens.
//
// By default the callback query is acknowledged after the handler returns.
// The acknowledgement runs in a guaranteed-execution path: it happens exactly
// once even when the handler returns an error or panics. Compose Inject as
// the innermost layer so outer middlewares cannot skip it.
func Inject[T any](codec Codec[T], h TypedHandlerFunc[T], opts ...CallbackOption) HandlerFunc {
	o := callbackOptions{answerAfter: true}
	for _, f := range opts {
		f(&o)
	}

	return func(u Update, c Context) (State, error) {
		data, ok := codec.Decode(u)
		if !ok {
			return StateNone, nil
		}

		if o.answerAfter {
			defer func() {
				if aerr := c.AnswerCallback(); aerr != nil {
					c.Logger().Warn("cannot answer callback", updateFields(u, "error", aerr)...)
				}
			}()
		}

		return h(u, c, data)
	}
}
