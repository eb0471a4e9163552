package geminiweb

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func decodeFReq(t *testing.T, fReq string) gjson.Result {
	t.Helper()
	outer := gjson.Parse(fReq)
	require.True(t, outer.IsArray())
	parts := outer.Array()
	require.Len(t, parts, 2)
	assert.Equal(t, gjson.Null, parts[0].Type)
	inner := gjson.Parse(parts[1].String())
	require.True(t, inner.IsArray())
	return inner
}

func TestMarshalFReq(t *testing.T) {
	model := Model{Name: "gemini-3.0-flash", ID: defaultFlashID, Code: 1}

	t.Run("fresh conversation", func(t *testing.T) {
		env := NewEnvelope("Hello", "en", "token-abc", model, Handle{})
		env.SentAt = time.UnixMilli(1700000000123)
		fReq, err := env.MarshalFReq()
		require.NoError(t, err)

		inner := decodeFReq(t, fReq)
		require.Len(t, inner.Array(), envelopeSlots)

		assert.Equal(t, "Hello", inner.Get("0.0").String())
		assert.Equal(t, gjson.Null, inner.Get("0.3").Type)
		assert.Equal(t, "en", inner.Get("1.0").String())
		assert.Equal(t, gjson.Null, inner.Get("2.0").Type)
		assert.Equal(t, gjson.Null, inner.Get("2.1").Type)
		assert.Equal(t, "", inner.Get("2.9").String())
		assert.Equal(t, "token-abc", inner.Get("3").String())
		assert.Equal(t, int64(1), inner.Get("17.0.0").Int())
		assert.Equal(t, int64(4), inner.Get("30.0").Int())
		assert.Equal(t, env.SessionID, inner.Get("59").String())
		assert.Equal(t, int64(1700000000), inner.Get("66.0").Int())
		assert.Equal(t, int64(123000000), inner.Get("66.1").Int())
	})

	t.Run("continuation carries the handle", func(t *testing.T) {
		handle := Handle{CID: "c_1", RID: "r_2", RCID: "rc_3"}
		env := NewEnvelope("And then?", "en", "token-abc", model, handle)
		fReq, err := env.MarshalFReq()
		require.NoError(t, err)

		inner := decodeFReq(t, fReq)
		assert.Equal(t, "c_1", inner.Get("2.0").String())
		assert.Equal(t, "r_2", inner.Get("2.1").String())
		assert.Equal(t, "rc_3", inner.Get("2.2").String())
	})

	t.Run("attachments ride in the prompt slot", func(t *testing.T) {
		env := NewEnvelope("What is this?", "en", "tok", model, Handle{})
		env.Attachments = []uploadedAttachment{
			{Path: "/contrib_service/abc", MIMEType: "image/png", Filename: "pic.png"},
		}
		fReq, err := env.MarshalFReq()
		require.NoError(t, err)

		inner := decodeFReq(t, fReq)
		assert.Equal(t, "/contrib_service/abc", inner.Get("0.3.0.0.0").String())
		assert.Equal(t, "image/png", inner.Get("0.3.0.0.3").String())
		assert.Equal(t, "pic.png", inner.Get("0.3.0.1").String())
	})

	t.Run("session id is upper case", func(t *testing.T) {
		env := NewEnvelope("hi", "en", "tok", model, Handle{})
		assert.Equal(t, env.SessionID, stringsToUpper(env.SessionID))
	})
}

func stringsToUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

func TestGenerateQuery(t *testing.T) {
	q := GenerateQuery("boq_label", "en", 123456)
	assert.Equal(t, "boq_label", q.Get("bl"))
	assert.Equal(t, "en", q.Get("hl"))
	assert.Equal(t, "123456", q.Get("_reqid"))
	assert.Equal(t, "c", q.Get("rt"))
}

func TestModelHeader(t *testing.T) {
	m := Model{Name: "gemini-3.0-pro", ID: "e6fa609c3fa255c0", Code: 0}
	var parsed []any
	require.NoError(t, json.Unmarshal([]byte(m.Header()), &parsed))
	require.Len(t, parsed, 12)
	assert.Equal(t, "e6fa609c3fa255c0", parsed[4])
}

func TestModelTableResolve(t *testing.T) {
	table := NewModelTable("", "", "", nil)

	assert.Equal(t, 1, table.Resolve("gemini-3.0-flash").Code)
	assert.Equal(t, 0, table.Resolve("gemini-3.0-pro").Code)
	assert.Equal(t, 3, table.Resolve("gemini-3.0-flash-thinking").Code)
	assert.Equal(t, 1, table.Resolve("anything-else").Code)

	custom := NewModelTable("1111111111111111", "", "", nil)
	assert.Equal(t, "1111111111111111", custom.Resolve("whatever").ID)
	assert.Equal(t, defaultProID, custom.Resolve("the-pro-one").ID)
}
