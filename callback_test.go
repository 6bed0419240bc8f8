package convo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	type payload struct {
		ID   int    `json:"id"`
		Name string `json:"n"`
	}
	codec := NewCodec[payload]("item")

	data, err := codec.Encode(payload{ID: 7, Name: "latte"})
	require.NoError(t, err)

	u := callbackUpdate(1, 1, 1, "item", data)
	got, ok := codec.Decode(u)
	require.True(t, ok)
	assert.Equal(t, 7, got.ID)
	assert.Equal(t, "latte", got.Name)
}

func TestCodecEncodeTooLong(t *testing.T) {
	type payload struct {
		Value string `json:"v"`
	}
	codec := NewCodec[payload]("long-unique-name")

	_, err := codec.Encode(payload{Value: strings.Repeat("x", maxCallbackDataLen)})
	assert.Error(t, err)
}

func TestCodecDecode(t *testing.T) {
	type payload struct {
		Value string `json:"v"`
	}
	codec := NewCodec[payload]("item")

	t.Run("wrong unique", func(t *testing.T) {
		u := callbackUpdate(1, 1, 1, "other", `{"v":"x"}`)
		_, ok := codec.Decode(u)
		assert.False(t, ok)
	})

	t.Run("not a callback", func(t *testing.T) {
		u := textUpdate(1, 1, 1, `{"v":"x"}`)
		_, ok := codec.Decode(u)
		assert.False(t, ok)
	})

	t.Run("broken payload", func(t *testing.T) {
		u := callbackUpdate(1, 1, 1, "item", `{"v":`)
		_, ok := codec.Decode(u)
		assert.False(t, ok)
	})
}

func TestCodecBtn(t *testing.T) {
	type payload struct {
		ID int `json:"id"`
	}
	codec := NewCodec[payload]("item")

	btn, err := codec.Btn("Open", payload{ID: 3})
	require.NoError(t, err)
	assert.Equal(t, "Open", btn.Text)
	assert.Equal(t, "item", btn.Unique)
	assert.Equal(t, `{"id":3}`, btn.Data)

	assert.Equal(t, "\fitem", codec.CallbackUnique())
	assert.Equal(t, "item", codec.Unique())
}

func TestCodecMustBtnPanics(t *testing.T) {
	type payload struct {
		Value string `json:"v"`
	}
	codec := NewCodec[payload]("item")

	assert.Panics(t, func() {
		codec.MustBtn("Open", payload{Value: strings.Repeat("x", 100)})
	})
}

func TestInlineFromCodec(t *testing.T) {
	type payload struct {
		Name string `json:"n"`
	}
	codec := NewCodec[payload]("drink")

	markup, err := InlineFromCodec(codec, 2,
		func(p payload) string { return p.Name },
		payload{Name: "Espresso"},
		payload{Name: "Latte"},
		payload{Name: "Tea"},
	)
	require.NoError(t, err)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Len(t, markup.InlineKeyboard[0], 2)
	assert.Len(t, markup.InlineKeyboard[1], 1)
	assert.Equal(t, "Espresso", markup.InlineKeyboard[0][0].Text)

	t.Run("oversized item fails", func(t *testing.T) {
		_, err := InlineFromCodec(codec, 2,
			func(p payload) string { return p.Name },
			payload{Name: strings.Repeat("x", 100)},
		)
		assert.Error(t, err)
	})
}
