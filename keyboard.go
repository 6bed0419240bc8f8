package convo

import (
	"unicode/utf8"

	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

const maxButtonsInRow = 8

// RuneSizeType sets the expected width of UTF-8 runes in button text.
// For example, use OneBytePerRune for English labels, TwoBytesPerRune for
// Cyrillic ones and FourBytesPerRune for emoji-heavy ones.
type RuneSizeType string

const (
	OneBytePerRune   RuneSizeType = "OneBytePerRune"
	TwoBytesPerRune  RuneSizeType = "TwoBytesPerRune"
	FourBytesPerRune RuneSizeType = "FourBytesPerRune"
)

var (
	EmptyBtn      tele.Btn
	EmptyKeyboard = Inline(maxButtonsInRow)

	runesInRow = map[RuneSizeType]int{
		OneBytePerRune:   46,
		TwoBytesPerRune:  40,
		FourBytesPerRune: 32,
	}
)

// Keyboard is a ReplyMarkup builder. It fills rows left to right and
// starts a new row when the current one runs out of button slots or,
// when rune counting is enabled, out of text width.
type Keyboard struct {
	buttons    [][]tele.Btn
	currentRow []tele.Btn
	footer     []tele.Btn

	optionalRowLen int

	runesInCurrentRow int
	maxRunesInRow     int
	isCountRunes      bool
}

// NewKeyboard creates a new keyboard builder. An optional row length
// limits the number of buttons per row below the Telegram maximum.
func NewKeyboard(optionalRowLen ...int) *Keyboard {
	return &Keyboard{
		buttons:    make([][]tele.Btn, 0),
		currentRow: make([]tele.Btn, 0),

		optionalRowLen: lang.First(optionalRowLen),
	}
}

// NewKeyboardWithLength creates a keyboard builder that also wraps rows by
// the total text width for the given rune type.
func NewKeyboardWithLength(runeType RuneSizeType, optionalRowLen ...int) *Keyboard {
	return &Keyboard{
		buttons:        make([][]tele.Btn, 0),
		currentRow:     make([]tele.Btn, 0, maxButtonsInRow),
		maxRunesInRow:  runesInRow[runeType],
		isCountRunes:   runesInRow[runeType] > 0,
		optionalRowLen: lang.First(optionalRowLen),
	}
}

// Add adds buttons to the current row, wrapping to a new row when the row
// is full.
func (k *Keyboard) Add(btns ...tele.Btn) *Keyboard {
	for _, btn := range btns {
		if len(k.currentRow) == maxButtonsInRow {
			k.StartNewRow()
		}
		if k.optionalRowLen > 0 && len(k.currentRow) == k.optionalRowLen {
			k.StartNewRow()
		}

		if len(k.currentRow) == 0 {
			k.currentRow = append(k.currentRow, btn)
			if k.isCountRunes {
				k.runesInCurrentRow += utf8.RuneCountInString(btn.Text)
			}
			continue
		}

		if k.isCountRunes {
			runesInBtn := utf8.RuneCountInString(btn.Text)
			if k.runesInCurrentRow+runesInBtn >= k.maxRunesInRow {
				k.StartNewRow()
			}
			k.runesInCurrentRow += runesInBtn
		}

		k.currentRow = append(k.currentRow, btn)
	}

	return k
}

// AddRow adds the buttons as a complete row of their own.
func (k *Keyboard) AddRow(btns ...tele.Btn) *Keyboard {
	if len(k.currentRow) > 0 {
		k.StartNewRow()
	}
	k.buttons = append(k.buttons, btns)

	return k
}

// AddFooter adds buttons to the footer row, rendered below everything
// else.
func (k *Keyboard) AddFooter(btns ...tele.Btn) *Keyboard {
	k.footer = append(k.footer, btns...)
	return k
}

// StartNewRow closes the current row. Adding new buttons begins the next
// one.
func (k *Keyboard) StartNewRow() *Keyboard {
	if len(k.currentRow) == 0 {
		return k
	}
	k.buttons = append(k.buttons, k.currentRow)
	k.currentRow = make([]tele.Btn, 0, maxButtonsInRow)
	k.runesInCurrentRow = 0

	return k
}

// CreateInlineMarkup renders the keyboard as an inline keyboard.
func (k *Keyboard) CreateInlineMarkup() *tele.ReplyMarkup {
	if len(k.currentRow) > 0 {
		k.StartNewRow()
	}

	out := make([][]tele.InlineButton, 0, len(k.buttons)+1)
	for _, row := range k.buttons {
		rOut := make([]tele.InlineButton, 0, len(row))
		for _, btn := range row {
			rOut = append(rOut, *btn.Inline())
		}
		out = append(out, rOut)
	}

	if len(k.footer) > 0 {
		rOut := make([]tele.InlineButton, 0, len(k.footer))
		for _, btn := range k.footer {
			rOut = append(rOut, *btn.Inline())
		}
		out = append(out, rOut)
	}

	return &tele.ReplyMarkup{
		InlineKeyboard: out,
	}
}

// CreateReplyMarkup renders the keyboard as a reply keyboard.
func (k *Keyboard) CreateReplyMarkup(oneTime bool) *tele.ReplyMarkup {
	if len(k.currentRow) > 0 {
		k.StartNewRow()
	}

	out := make([][]tele.ReplyButton, 0, len(k.buttons)+1)
	for _, row := range k.buttons {
		rOut := make([]tele.ReplyButton, 0, len(row))
		for _, btn := range row {
			// Reply() returns nil for buttons with a unique set.
			btn.Unique = ""
			rOut = append(rOut, *btn.Reply())
		}
		out = append(out, rOut)
	}

	if len(k.footer) > 0 {
		rOut := make([]tele.ReplyButton, 0, len(k.footer))
		for _, btn := range k.footer {
			btn.Unique = ""
			rOut = append(rOut, *btn.Reply())
		}
		out = append(out, rOut)
	}

	return &tele.ReplyMarkup{
		ResizeKeyboard:  true,
		OneTimeKeyboard: oneTime,
		ReplyKeyboard:   out,
	}
}

// Inline creates an inline keyboard from the buttons with the given row
// length.
func Inline(rowLength int, btns ...tele.Btn) *tele.ReplyMarkup {
	keyboard := NewKeyboard(rowLength)
	for _, btn := range btns {
		keyboard.Add(btn)
	}
	return keyboard.CreateInlineMarkup()
}

// InlineBuilder creates an inline keyboard from the buttons with the given
// number of columns and row width wrapping.
func InlineBuilder(columns int, runesType RuneSizeType, btns ...tele.Btn) *tele.ReplyMarkup {
	columns = getMax(columns, 1)
	keyboard := NewKeyboardWithLength(runesType)
	for i, btn := range btns {
		if i%columns == 0 && i != 0 {
			keyboard.StartNewRow()
		}
		keyboard.Add(btn)
	}
	return keyboard.CreateInlineMarkup()
}

// SingleRow creates an inline keyboard with all buttons in one row.
func SingleRow(btns ...tele.Btn) *tele.ReplyMarkup {
	keyboard := NewKeyboard()
	keyboard.Add(btns...)
	return keyboard.CreateInlineMarkup()
}

// RemoveKeyboard creates a request that removes the reply keyboard.
func RemoveKeyboard() *tele.ReplyMarkup {
	return &tele.ReplyMarkup{
		RemoveKeyboard: true,
	}
}

// InlineFromCodec builds an inline keyboard where every button carries an
// encoded payload for the codec. It fails when any payload does not fit
// the callback data limit.
func InlineFromCodec[T any](codec Codec[T], columns int, text func(T) string, items ...T) (*tele.ReplyMarkup, error) {
	keyboard := NewKeyboard(columns)
	for _, item := range items {
		btn, err := codec.Btn(text(item), item)
		if err != nil {
			return nil, err
		}
		keyboard.Add(btn)
	}
	return keyboard.CreateInlineMarkup(), nil
}
