// Package geminiweb speaks the Gemini web frontend's private wire protocol:
// cookie-derived sessions, the positional request envelope, the length-prefixed
// streaming response format and its generated-media payloads.
package geminiweb

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	EndpointGoogle        = "https://www.google.com"
	EndpointInit          = "https://gemini.google.com/app"
	EndpointGenerate      = "https://gemini.google.com/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate"
	EndpointRotateCookies = "https://accounts.google.com/RotateCookies"
	EndpointUpload        = "https://push.clients6.google.com/upload/"
)

// Upstream error codes carried inside the response payload.
const (
	ErrorUnauthenticated      = 16
	ErrorUsageLimitExceeded   = 1037
	ErrorModelInconsistent    = 1050
	ErrorModelHeaderInvalid   = 1052
	ErrorIPTemporarilyBlocked = 1060
)

// DefaultBL is used when the frontend page no longer exposes its build label.
const DefaultBL = "boq_assistant-bard-web-server_20241209.00_p0"

// HeadersGemini is sent on init and generate calls.
var HeadersGemini = http.Header{
	"Host":          []string{"gemini.google.com"},
	"Origin":        []string{"https://gemini.google.com"},
	"Referer":       []string{"https://gemini.google.com/"},
	"User-Agent":    []string{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"},
	"X-Same-Domain": []string{"1"},
}

// HeadersRotateCookies is sent when refreshing __Secure-1PSIDTS.
var HeadersRotateCookies = http.Header{
	"Content-Type": []string{"application/json"},
}

// HeadersUpload is sent on the first leg of a resumable attachment upload.
var HeadersUpload = http.Header{
	"X-Goog-Upload-Command":  []string{"start"},
	"X-Goog-Upload-Protocol": []string{"resumable"},
	"X-Tenant-Id":            []string{"bard-storage"},
}

// Model identifies one frontend model variant. ID is the 16-hex identifier
// the frontend embeds in the x-goog-ext-525001261-jspb header; Code is the
// envelope's model selector.
type Model struct {
	Name string
	ID   string
	Code int
}

// Header renders the jspb model header value for this model.
func (m Model) Header() string {
	return fmt.Sprintf(`[1,null,null,null,"%s",null,null,0,[4],null,null,2]`, m.ID)
}

// EnvelopeCode renders the envelope's model selector slot, or nil when the
// model uses the frontend default.
func (m Model) EnvelopeCode() any {
	return [][]int{{m.Code}}
}

// Default model identifiers, refreshed at session derivation when the
// frontend page exposes newer ones.
const (
	defaultFlashID    = "56fdd199312815e2"
	defaultProID      = "e6fa609c3fa255c0"
	defaultThinkingID = "e051ce1aa80aa576"
)

// DefaultModelNames is what GET /v1/models advertises out of the box.
var DefaultModelNames = []string{
	"gemini-3.0-flash",
	"gemini-3.0-flash-thinking",
	"gemini-3.0-pro",
}

// ModelTable maps requested model names onto frontend model variants.
type ModelTable struct {
	FlashID    string
	ProID      string
	ThinkingID string
	Names      []string
}

// NewModelTable builds a table with the built-in identifiers, applying any
// non-empty overrides.
func NewModelTable(flashID, proID, thinkingID string, names []string) *ModelTable {
	t := &ModelTable{
		FlashID:    defaultFlashID,
		ProID:      defaultProID,
		ThinkingID: defaultThinkingID,
		Names:      DefaultModelNames,
	}
	if flashID != "" {
		t.FlashID = flashID
	}
	if proID != "" {
		t.ProID = proID
	}
	if thinkingID != "" {
		t.ThinkingID = thinkingID
	}
	if len(names) > 0 {
		t.Names = names
	}
	return t
}

// Resolve picks a frontend variant for a requested model name. Names
// containing "pro" map to the pro variant, names containing "think" to the
// thinking variant, everything else to flash.
func (t *ModelTable) Resolve(name string) Model {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "pro"):
		return Model{Name: name, ID: t.ProID, Code: 0}
	case strings.Contains(lower, "think"):
		return Model{Name: name, ID: t.ThinkingID, Code: 3}
	default:
		return Model{Name: name, ID: t.FlashID, Code: 1}
	}
}

// Attachment is one file sent with a turn, either inline bytes or a URL the
// encoder must fetch first.
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
	URL      string
}

// MediaRef points at one generated artifact found in a response.
type MediaRef struct {
	Filename string
	URL      string
}

// Handle is the three-part upstream conversation pointer.
type Handle struct {
	CID  string `json:"cid"`
	RID  string `json:"rid"`
	RCID string `json:"rcid"`
}

// Zero reports whether the handle points at no upstream conversation.
func (h Handle) Zero() bool { return h.CID == "" }

// MaskToken28 keeps the first and last four characters of a token for logs.
func MaskToken28(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:4] + "..." + token[len(token)-4:]
}
