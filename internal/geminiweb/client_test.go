package geminiweb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	store, err := NewSessionStore("__Secure-1PSID=test-psid", nil)
	require.NoError(t, err)
	return NewClient(store, NewModelTable("", "", "", nil), nil, "en")
}

func TestConsume(t *testing.T) {
	model := Model{Name: "gemini-3.0-flash", ID: defaultFlashID, Code: 1}

	t.Run("assembles text, handle and deltas from the stream", func(t *testing.T) {
		c := testClient(t)
		p1 := `[["wrb.fr",null,` + jsonString(t, replyFrame(t, "c_1", "r_1", "rc_1", "Hi")) + `]]`
		p2 := `[["wrb.fr",null,` + jsonString(t, replyFrame(t, "c_1", "r_1", "rc_1", "Hi there!")) + `]]`
		body := framedBody(p1, p2)

		var deltas []string
		result, err := c.consume(strings.NewReader(body), model, func(d string) error {
			deltas = append(deltas, d)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Hi there!", result.Text)
		assert.Equal(t, "Hi there!", strings.Join(deltas, ""))
		assert.Equal(t, Handle{CID: "c_1", RID: "r_1", RCID: "rc_1"}, result.Handle)
	})

	t.Run("thought fragments stream inside a think block", func(t *testing.T) {
		c := testClient(t)
		p1 := `[["wrb.fr",null,` + jsonString(t, thoughtFrame(t, "c_1", "r_1", "rc_1", "Let me see.", "")) + `]]`
		p2 := `[["wrb.fr",null,` + jsonString(t, thoughtFrame(t, "c_1", "r_1", "rc_1", "Let me see. More.", "Hi")) + `]]`
		p3 := `[["wrb.fr",null,` + jsonString(t, replyFrame(t, "c_1", "r_1", "rc_1", "Hi there.")) + `]]`
		body := framedBody(p1, p2, p3)

		var deltas []string
		result, err := c.consume(strings.NewReader(body), model, func(d string) error {
			deltas = append(deltas, d)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "<think>\nLet me see. More.\n</think>\nHi there.", strings.Join(deltas, ""))
		assert.Equal(t, "Hi there.", result.Text)
		assert.Equal(t, "Let me see. More.", result.Thoughts)
	})

	t.Run("thoughts without a reply still close the think block", func(t *testing.T) {
		c := testClient(t)
		body := framedBody(`[["wrb.fr",null,` + jsonString(t, thoughtFrame(t, "c_1", "r_1", "rc_1", "Only thinking.", "")) + `]]`)
		var deltas []string
		_, err := c.consume(strings.NewReader(body), model, func(d string) error {
			deltas = append(deltas, d)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "<think>\nOnly thinking.\n</think>\n", strings.Join(deltas, ""))
	})

	t.Run("auth code maps to an authentication failure", func(t *testing.T) {
		c := testClient(t)
		body := framedBody(`[["wrb.fr",null,null,null,null,[null,null,[[null,[16]]]]]]`)
		_, err := c.consume(strings.NewReader(body), model, nil)
		var auth *AuthError
		require.ErrorAs(t, err, &auth)
	})

	t.Run("upstream usage limit code maps to its error type", func(t *testing.T) {
		c := testClient(t)
		body := framedBody(`[["wrb.fr",null,null,null,null,[null,null,[[null,[1037]]]]]]`)
		_, err := c.consume(strings.NewReader(body), model, nil)
		var usage *UsageLimitError
		require.ErrorAs(t, err, &usage)
		assert.Equal(t, "gemini-3.0-flash", usage.Model)
	})

	t.Run("blocked code maps to its error type", func(t *testing.T) {
		c := testClient(t)
		body := framedBody(`[["wrb.fr",null,null,null,null,[null,null,[[null,[1060]]]]]]`)
		_, err := c.consume(strings.NewReader(body), model, nil)
		var blocked *IPBlockedError
		require.ErrorAs(t, err, &blocked)
	})

	t.Run("unknown code is preserved", func(t *testing.T) {
		c := testClient(t)
		body := framedBody(`[["wrb.fr",null,null,null,null,[null,null,[[null,[9999]]]]]]`)
		_, err := c.consume(strings.NewReader(body), model, nil)
		var upstream *UpstreamCodeError
		require.ErrorAs(t, err, &upstream)
		assert.Equal(t, 9999, upstream.Code)
	})

	t.Run("body without reply frames reads as stale tokens", func(t *testing.T) {
		c := testClient(t)
		body := framedBody(`[["di",42]]`)
		_, err := c.consume(strings.NewReader(body), model, nil)
		var auth *AuthError
		require.ErrorAs(t, err, &auth)
	})

	t.Run("malformed body is a desync", func(t *testing.T) {
		c := testClient(t)
		_, err := c.consume(strings.NewReader(")]}'\nnot-a-length\n"), model, nil)
		var desync *ProtocolDesyncError
		require.ErrorAs(t, err, &desync)
	})
}

func jsonString(t *testing.T, s string) string {
	t.Helper()
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
