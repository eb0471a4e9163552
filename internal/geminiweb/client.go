package geminiweb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// TurnRequest is one fully prepared generate call.
type TurnRequest struct {
	Model       string
	Prompt      string
	Attachments []Attachment
	Handle      Handle
}

// TurnResult is one finished reply.
type TurnResult struct {
	Text        string
	Thoughts    string
	Handle      Handle
	Media       []MediaRef
	VideoNotice bool
}

// Client executes turns against the frontend. It is safe for concurrent use;
// each turn reads from one session snapshot for its whole lifetime.
type Client struct {
	session  *SessionStore
	models   *ModelTable
	http     *http.Client
	uploader *Uploader
	language string
	reqCount atomic.Int64
}

// NewClient wires a turn executor over a session store. An empty language
// defaults to "en".
func NewClient(session *SessionStore, models *ModelTable, httpClient *http.Client, language string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if language == "" {
		language = "en"
	}
	c := &Client{
		session:  session,
		models:   models,
		http:     httpClient,
		uploader: &Uploader{Client: httpClient},
		language: language,
	}
	c.reqCount.Store(int64(10000 + rand.Intn(90000)))
	return c
}

// Models exposes the model table for listing endpoints.
func (c *Client) Models() *ModelTable { return c.models }

// Session exposes the underlying session store.
func (c *Client) Session() *SessionStore { return c.session }

// Generate runs one buffered turn.
func (c *Client) Generate(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return c.GenerateStream(ctx, req, nil)
}

// GenerateStream runs one turn, invoking onDelta for every text fragment as
// it arrives. A nil onDelta buffers silently. When the upstream rejects the
// session tokens the derived tokens are dropped so the next turn re-derives
// them; the rejection itself still surfaces to the caller, who owns the
// retry decision.
func (c *Client) GenerateStream(ctx context.Context, req TurnRequest, onDelta func(string) error) (*TurnResult, error) {
	result, err := c.generateOnce(ctx, req, onDelta)
	var authErr *AuthError
	if errors.As(err, &authErr) {
		log.Warnf("generate rejected, dropping derived session tokens: %v", err)
		c.session.Invalidate()
	}
	return result, err
}

func (c *Client) generateOnce(ctx context.Context, req TurnRequest, onDelta func(string) error) (*TurnResult, error) {
	snap, err := c.session.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	model := c.models.Resolve(req.Model)
	// Identifiers scraped off the frontend page supersede the built-in
	// defaults, which go stale when the frontend rotates them.
	if model.ID == defaultFlashID && snap.FlashID != "" {
		model.ID = snap.FlashID
	}
	if model.ID == defaultProID && snap.ProID != "" {
		model.ID = snap.ProID
	}

	env := NewEnvelope(req.Prompt, c.language, snap.SNlM0e, model, req.Handle)
	if len(req.Attachments) > 0 {
		env.Attachments, err = c.uploader.PrepareAttachments(ctx, snap.PushID, req.Attachments)
		if err != nil {
			return nil, err
		}
	}
	fReq, err := env.MarshalFReq()
	if err != nil {
		return nil, err
	}

	reqID := c.reqCount.Add(100000)
	endpoint := EndpointGenerate + "?" + GenerateQuery(snap.BL, c.language, reqID).Encode()
	form := url.Values{"f.req": []string{fReq}, "at": []string{snap.SNlM0e}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &NetworkError{Op: "build generate request", Err: err}
	}
	applyHeaders(httpReq, HeadersGemini)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")
	httpReq.Header.Set("Cookie", CookieHeader(snap.Cookies))
	httpReq.Header.Set("X-Goog-Ext-525001261-Jspb", model.Header())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Op: "generate", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Msg: fmt.Sprintf("generate returned status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &IPBlockedError{}
	default:
		return nil, &NetworkError{Op: "generate", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	return c.consume(resp.Body, model, onDelta)
}

// consume drains the response stream, delivering deltas as payloads arrive
// and assembling the final result. Thought fragments come first and are
// relayed inside a think block, closed before the first reply fragment.
func (c *Client) consume(body io.Reader, model Model, onDelta func(string) error) (*TurnResult, error) {
	scanner := newFrameScanner(body)
	it := newInterpreter()
	emit := func(fragment string) error {
		if onDelta == nil || fragment == "" {
			return nil
		}
		return onDelta(fragment)
	}
	sawFrame := false
	thinkOpen := false
	textStarted := false
	for {
		payload, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if code, ok := payloadErrorCode(payload); ok {
			return nil, upstreamError(code, model.Name)
		}
		for _, inner := range innerFrames(payload) {
			sawFrame = true
			priorThoughts := it.thoughts
			delta := it.Feed(inner)
			if grown := it.thoughts; !textStarted && len(grown) > len(priorThoughts) {
				if !thinkOpen {
					if err := emit("<think>\n"); err != nil {
						return nil, err
					}
					thinkOpen = true
				}
				if err := emit(grown[len(priorThoughts):]); err != nil {
					return nil, err
				}
			}
			if delta != "" {
				textStarted = true
				if thinkOpen {
					if err := emit("\n</think>\n"); err != nil {
						return nil, err
					}
					thinkOpen = false
				}
				if err := emit(delta); err != nil {
					return nil, err
				}
			}
		}
	}
	if thinkOpen {
		if err := emit("\n</think>\n"); err != nil {
			return nil, err
		}
	}
	if !sawFrame {
		return nil, &AuthError{Msg: "generate response carried no reply frames, session tokens may be stale"}
	}
	text, video := CleanText(it.Text())
	return &TurnResult{
		Text:        text,
		Thoughts:    it.thoughts,
		Handle:      it.Handle(),
		Media:       it.Media(),
		VideoNotice: video,
	}, nil
}

func upstreamError(code int, model string) error {
	switch code {
	case ErrorUnauthenticated:
		return &AuthError{Msg: "upstream rejected the session credentials"}
	case ErrorUsageLimitExceeded:
		return &UsageLimitError{Model: model}
	case ErrorModelInconsistent:
		return &ModelMismatchError{Msg: "selected model is inconsistent with the conversation"}
	case ErrorModelHeaderInvalid:
		return &ModelMismatchError{Msg: "model header is invalid or outdated"}
	case ErrorIPTemporarilyBlocked:
		return &IPBlockedError{}
	default:
		return &UpstreamCodeError{Code: code}
	}
}
