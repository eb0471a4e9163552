package geminiweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The generate request rides in a single positional array. Almost every slot
// is null; the named constants below pin down the ones that are not, so a
// layout change upstream fails here with a slot name instead of an index.
const (
	slotPrompt    = 0
	slotLanguage  = 1
	slotHandle    = 2
	slotToken     = 3
	slotFlagA     = 6  // [1]
	slotFlagB     = 7  // 1
	slotFlagC     = 10 // 1
	slotFlagD     = 11 // 0
	slotModelCode = 17
	slotFlagE     = 18 // 0
	slotFlagF     = 27 // 1
	slotFlagG     = 30 // [4]
	slotFlagH     = 41 // [1]
	slotFlagI     = 53 // 0
	slotSessionID = 59
	slotEmptyList = 61
	slotTimestamp = 66
	envelopeSlots = 67
)

// Envelope is one encoded turn before serialization.
type Envelope struct {
	Prompt      string
	Language    string
	Handle      Handle
	Token       string
	Model       Model
	SessionID   string
	SentAt      time.Time
	Attachments []uploadedAttachment
}

type uploadedAttachment struct {
	Path     string
	MIMEType string
	Filename string
}

// NewEnvelope fills the caller-independent slots: a fresh upper-case session
// id and the current wall clock.
func NewEnvelope(prompt, language, token string, model Model, handle Handle) *Envelope {
	return &Envelope{
		Prompt:    prompt,
		Language:  language,
		Handle:    handle,
		Token:     token,
		Model:     model,
		SessionID: strings.ToUpper(uuid.NewString()),
		SentAt:    time.Now(),
	}
}

// MarshalFReq serializes the envelope into the f.req form value, the outer
// two-element array wrapping the inner positional array as a JSON string.
func (e *Envelope) MarshalFReq() (string, error) {
	inner := make([]any, envelopeSlots)

	var imageData any
	if len(e.Attachments) > 0 {
		files := make([]any, 0, len(e.Attachments))
		for _, a := range e.Attachments {
			files = append(files, []any{[]any{a.Path, 1, nil, a.MIMEType}, a.Filename})
		}
		imageData = files
	}
	inner[slotPrompt] = []any{e.Prompt, 0, nil, imageData, nil, nil, 0}
	inner[slotLanguage] = []any{e.Language}
	inner[slotHandle] = []any{
		nullable(e.Handle.CID), nullable(e.Handle.RID), nullable(e.Handle.RCID),
		nil, nil, nil, nil, nil, nil, "",
	}
	inner[slotToken] = e.Token
	inner[slotFlagA] = []any{1}
	inner[slotFlagB] = 1
	inner[slotFlagC] = 1
	inner[slotFlagD] = 0
	inner[slotModelCode] = e.Model.EnvelopeCode()
	inner[slotFlagE] = 0
	inner[slotFlagF] = 1
	inner[slotFlagG] = []any{4}
	inner[slotFlagH] = []any{1}
	inner[slotFlagI] = 0
	inner[slotSessionID] = e.SessionID
	inner[slotEmptyList] = []any{}
	millis := e.SentAt.UnixMilli()
	inner[slotTimestamp] = []any{millis / 1000, (millis % 1000) * 1000000}

	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	outer, err := json.Marshal([]any{nil, string(innerJSON)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope wrapper: %w", err)
	}
	return string(outer), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GenerateQuery builds the query string for a generate call. The request id
// advances by 100000 per turn with a random 5-digit base, matching the
// frontend's own counter.
func GenerateQuery(bl, hl string, reqID int64) url.Values {
	return url.Values{
		"bl":     []string{bl},
		"hl":     []string{hl},
		"_reqid": []string{fmt.Sprintf("%d", reqID)},
		"rt":     []string{"c"},
		"f.sid":  []string{""},
	}
}

// Uploader pushes attachment bytes to the content push service so the
// envelope can reference them by path.
type Uploader struct {
	Client *http.Client
}

// fetchURL retrieves an http(s) attachment so it can be inlined. Any failure
// aborts the turn with an AttachmentFetchError.
func (u *Uploader) fetchURL(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", &AttachmentFetchError{URL: rawURL, Err: err}
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, "", &AttachmentFetchError{URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &AttachmentFetchError{URL: rawURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &AttachmentFetchError{URL: rawURL, Err: err}
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// Upload runs the two-step resumable upload: an empty start request carrying
// the filename yields an upload id, then the raw bytes are finalized against
// it. The returned path is what the envelope's attachment slot references.
func (u *Uploader) Upload(ctx context.Context, pushID, filename string, data []byte) (string, error) {
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if err := writer.WriteField("File name", filename); err != nil {
		return "", &AttachmentFetchError{URL: EndpointUpload, Err: err}
	}
	if err := writer.Close(); err != nil {
		return "", &AttachmentFetchError{URL: EndpointUpload, Err: err}
	}

	start, err := http.NewRequestWithContext(ctx, http.MethodPost, EndpointUpload, &form)
	if err != nil {
		return "", &AttachmentFetchError{URL: EndpointUpload, Err: err}
	}
	applyHeaders(start, HeadersUpload)
	start.Header.Set("Content-Type", writer.FormDataContentType())
	if pushID != "" {
		start.Header.Set("Push-Id", pushID)
	}
	resp, err := u.Client.Do(start)
	if err != nil {
		return "", &AttachmentFetchError{URL: EndpointUpload, Err: err}
	}
	uploadID := resp.Header.Get("X-Guploader-Uploadid")
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || uploadID == "" {
		return "", &AttachmentFetchError{URL: EndpointUpload,
			Err: fmt.Errorf("upload start returned status %d without upload id", resp.StatusCode)}
	}

	finalizeURL := fmt.Sprintf("%s?upload_id=%s&upload_protocol=resumable", EndpointUpload, url.QueryEscape(uploadID))
	finalize, err := http.NewRequestWithContext(ctx, http.MethodPost, finalizeURL, bytes.NewReader(data))
	if err != nil {
		return "", &AttachmentFetchError{URL: EndpointUpload, Err: err}
	}
	finalize.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	finalize.Header.Set("X-Goog-Upload-Offset", "0")
	resp, err = u.Client.Do(finalize)
	if err != nil {
		return "", &AttachmentFetchError{URL: EndpointUpload, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AttachmentFetchError{URL: EndpointUpload, Err: err}
	}
	path := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK || len(path) < 40 || !strings.Contains(path, "contrib_service") {
		return "", &AttachmentFetchError{URL: EndpointUpload,
			Err: fmt.Errorf("upload finalize returned status %d with unusable path", resp.StatusCode)}
	}
	return path, nil
}

// PrepareAttachments resolves every attachment to an uploaded path. URL
// attachments are fetched first; a failed fetch or upload aborts the whole
// turn.
func (u *Uploader) PrepareAttachments(ctx context.Context, pushID string, atts []Attachment) ([]uploadedAttachment, error) {
	out := make([]uploadedAttachment, 0, len(atts))
	for i, att := range atts {
		data := att.Data
		mimeType := att.MIMEType
		if len(data) == 0 && att.URL != "" {
			var err error
			data, mimeType, err = u.fetchURL(ctx, att.URL)
			if err != nil {
				return nil, err
			}
			if att.MIMEType != "" {
				mimeType = att.MIMEType
			}
		}
		if len(data) == 0 {
			return nil, &AttachmentFetchError{URL: att.URL, Err: fmt.Errorf("attachment %d has no content", i)}
		}
		filename := att.Filename
		if filename == "" {
			filename = fmt.Sprintf("file-%d", i)
		}
		path, err := u.Upload(ctx, pushID, filename, data)
		if err != nil {
			return nil, err
		}
		out = append(out, uploadedAttachment{Path: path, MIMEType: mimeType, Filename: filename})
	}
	return out, nil
}
