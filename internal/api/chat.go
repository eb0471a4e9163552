package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pedrazadixon/gemininixiang/internal/config"
	"github.com/pedrazadixon/gemininixiang/internal/conversation"
	"github.com/pedrazadixon/gemininixiang/internal/geminiweb"
	"github.com/pedrazadixon/gemininixiang/internal/media"
	"github.com/pedrazadixon/gemininixiang/internal/tools"
)

// ErrorResponse is the OpenAI-shaped error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail holds the message and classification of an error response.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ChatHandler serves the OpenAI-compatible endpoints over one upstream
// account.
type ChatHandler struct {
	client     *geminiweb.Client
	reconciler *conversation.Reconciler
	media      *media.Store
	cfg        func() *config.Config
}

// NewChatHandler wires the handler over its collaborators. cfg is consulted
// per request so configuration reloads apply immediately.
func NewChatHandler(client *geminiweb.Client, reconciler *conversation.Reconciler, mediaStore *media.Store, cfg func() *config.Config) *ChatHandler {
	return &ChatHandler{client: client, reconciler: reconciler, media: mediaStore, cfg: cfg}
}

// Models handles the GET /v1/models endpoint.
func (h *ChatHandler) Models(c *gin.Context) {
	created := time.Now().Unix()
	data := make([]gin.H, 0)
	for _, name := range h.client.Models().Names {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  created,
			"owned_by": "google",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// Media handles the GET /media/:id endpoint, serving a cached generated
// artifact.
func (h *ChatHandler) Media(c *gin.Context) {
	id := c.Param("id")
	path, mimeType, err := h.media.Open(id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{
			Message: "media not found",
			Type:    "invalid_request_error",
		}})
		return
	}
	c.Header("Content-Type", mimeType)
	c.File(path)
}

// chatItem is one inbound message with the attachments carried in its
// content parts.
type chatItem struct {
	msg  conversation.Message
	atts []geminiweb.Attachment
}

// ChatCompletions handles the POST /v1/chat/completions endpoint. It
// reconciles the stateless history with the upstream conversation cache,
// executes the turn and renders the reply in OpenAI format, streamed or
// buffered.
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Message: fmt.Sprintf("failed to read request body: %v", err),
			Type:    "invalid_request_error",
		}})
		return
	}
	root := gjson.ParseBytes(raw)

	model := root.Get("model").String()
	if model == "" {
		model = h.client.Models().Names[0]
	}
	streaming := root.Get("stream").Bool()

	items := extractItems(root.Get("messages"))
	if len(items) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Message: "messages must contain at least one message with content",
			Type:    "invalid_request_error",
		}})
		return
	}

	// msgs keeps the content exactly as the caller sent it; keys are hashed
	// over it so a replayed history matches regardless of what gets spliced
	// into the outbound prompt below.
	msgs := make([]conversation.Message, len(items))
	for i, item := range items {
		msgs[i] = item.msg
	}

	decls := tools.ParseDeclarations(root.Get("tools"))
	last := &items[len(items)-1]
	toolTurn := len(decls) > 0
	if toolTurn && conversation.NormalizeRole(last.msg.Role) == "user" {
		last.msg.Content = tools.BuildPrompt(decls) + last.msg.Content
	}
	explicitKey := root.Get("conversation_id").String()
	key := conversation.Key(explicitKey, model, msgs)
	unlock := h.reconciler.Lock(key)
	defer unlock()

	plan := h.reconciler.Plan(key, msgs)
	sendItems := items
	if plan.Reuse {
		sendItems = items[len(items)-1:]
	}
	sendMsgs := make([]conversation.Message, len(sendItems))
	var attachments []geminiweb.Attachment
	for i, item := range sendItems {
		sendMsgs[i] = item.msg
		attachments = append(attachments, item.atts...)
	}

	turn := geminiweb.TurnRequest{
		Model:       model,
		Prompt:      conversation.Flatten(sendMsgs),
		Attachments: attachments,
		Handle:      plan.Handle,
	}

	completionID := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	created := time.Now().Unix()

	// Tool turns are buffered even under stream=true: whether the reply is
	// a call or plain text is only known once it is complete.
	if streaming && !toolTurn {
		h.streamCompletion(c, completionID, created, model, explicitKey, msgs, turn)
		return
	}
	h.bufferedCompletion(c, completionID, created, model, explicitKey, streaming, toolTurn, msgs, turn)
}

func (h *ChatHandler) bufferedCompletion(c *gin.Context, id string, created int64, model, explicitKey string, streaming, toolTurn bool, msgs []conversation.Message, turn geminiweb.TurnRequest) {
	result, err := h.client.Generate(c.Request.Context(), turn)
	if err != nil {
		status, resp := mapError(err)
		c.JSON(status, resp)
		return
	}

	content := result.Text
	var calls []tools.Call
	if toolTurn {
		calls, content = tools.ParseCalls(content)
	}
	if len(calls) == 0 {
		content = composeThink(result.Thoughts, content)
		content = h.appendMedia(c, content, result)
	}
	// The committed reply is the content as delivered, so a replayed history
	// containing it derives the stored key.
	h.reconciler.Commit(model, msgs, content, explicitKey, result.Handle)

	finishReason := "stop"
	if len(calls) > 0 {
		finishReason = "tool_calls"
	}

	if streaming {
		h.streamBuffered(c, id, created, model, content, calls, finishReason)
		return
	}

	message := gin.H{"role": "assistant"}
	if len(calls) > 0 {
		message["content"] = nil
		message["tool_calls"] = renderToolCalls(calls)
	} else {
		message["content"] = content
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []gin.H{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": gin.H{
			"prompt_tokens":     conversation.EstimateTokens(turn.Prompt),
			"completion_tokens": conversation.EstimateTokens(content),
			"total_tokens":      conversation.EstimateTokens(turn.Prompt) + conversation.EstimateTokens(content),
		},
	})
}

// streamCompletion relays text deltas over SSE as the upstream produces
// them, then resolves media and closes the stream.
func (h *ChatHandler) streamCompletion(c *gin.Context, id string, created int64, model, explicitKey string, msgs []conversation.Message, turn geminiweb.TurnRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{
			Message: "streaming not supported by this connection",
			Type:    "server_error",
		}})
		return
	}
	setSSEHeaders(c)

	base := chunkTemplate(id, created, model)
	roleChunk, _ := sjson.Set(base, "choices.0.delta.role", "assistant")
	writeSSE(c, flusher, roleChunk)

	var delivered strings.Builder
	result, err := h.client.GenerateStream(c.Request.Context(), turn, func(delta string) error {
		chunk, _ := sjson.Set(base, "choices.0.delta.content", delta)
		writeSSE(c, flusher, chunk)
		delivered.WriteString(delta)
		return nil
	})
	if err != nil {
		_, resp := mapError(err)
		chunk, _ := sjson.Set(base, "choices.0.delta.content", "\n[Error] "+resp.Error.Message)
		if delivered.Len() == 0 {
			log.Errorf("streaming turn failed before any output: %v", err)
		}
		writeSSE(c, flusher, chunk)
		finish, _ := sjson.Set(base, "choices.0.finish_reason", "stop")
		writeSSE(c, flusher, finish)
		writeSSEDone(c, flusher)
		return
	}

	extra := h.appendMedia(c, "", result)
	h.reconciler.Commit(model, msgs, delivered.String()+extra, explicitKey, result.Handle)
	if extra != "" {
		chunk, _ := sjson.Set(base, "choices.0.delta.content", extra)
		writeSSE(c, flusher, chunk)
	}

	finish, _ := sjson.Set(base, "choices.0.finish_reason", "stop")
	writeSSE(c, flusher, finish)
	writeSSEDone(c, flusher)
}

// streamBuffered replays an already complete reply as the minimal chunk
// sequence.
func (h *ChatHandler) streamBuffered(c *gin.Context, id string, created int64, model, content string, calls []tools.Call, finishReason string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{
			Message: "streaming not supported by this connection",
			Type:    "server_error",
		}})
		return
	}
	setSSEHeaders(c)

	base := chunkTemplate(id, created, model)
	roleChunk, _ := sjson.Set(base, "choices.0.delta.role", "assistant")
	writeSSE(c, flusher, roleChunk)

	if len(calls) > 0 {
		for i, call := range calls {
			chunk, _ := sjson.Set(base, "choices.0.delta.tool_calls",
				[]any{renderToolCall(call, i)})
			writeSSE(c, flusher, chunk)
		}
	} else if content != "" {
		chunk, _ := sjson.Set(base, "choices.0.delta.content", content)
		writeSSE(c, flusher, chunk)
	}

	finish, _ := sjson.Set(base, "choices.0.finish_reason", finishReason)
	writeSSE(c, flusher, finish)
	writeSSEDone(c, flusher)
}

// composeThink renders thinking-model reasoning ahead of the reply, in the
// same think block shape the streaming path emits delta by delta.
func composeThink(thoughts, text string) string {
	if thoughts == "" {
		return text
	}
	return "<think>\n" + thoughts + "\n</think>\n" + text
}

// appendMedia resolves generated artifacts into local links and renders
// them after the text. A failed artifact is logged and skipped; the rest of
// the reply stands.
func (h *ChatHandler) appendMedia(c *gin.Context, content string, result *geminiweb.TurnResult) string {
	refs := result.Media
	ids := make([]string, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref geminiweb.MediaRef) {
			defer wg.Done()
			id, err := h.media.Resolve(c.Request.Context(), ref.URL)
			if err != nil {
				log.Warnf("skipping media artifact: %v", err)
				return
			}
			ids[i] = id
		}(i, ref)
	}
	wg.Wait()

	base := h.cfg().MediaBaseURL
	var b strings.Builder
	b.WriteString(content)
	for i, ref := range refs {
		if ids[i] == "" {
			continue
		}
		name := ref.Filename
		if name == "" {
			name = ids[i]
		}
		b.WriteString(fmt.Sprintf("\n\n![%s](%s/media/%s)", name, base, ids[i]))
	}
	if result.VideoNotice {
		b.WriteString(geminiweb.VideoNotice)
	}
	return b.String()
}

func renderToolCalls(calls []tools.Call) []gin.H {
	out := make([]gin.H, 0, len(calls))
	for i, call := range calls {
		out = append(out, renderToolCall(call, i))
	}
	return out
}

func renderToolCall(call tools.Call, index int) gin.H {
	return gin.H{
		"index": index,
		"id":    call.ID,
		"type":  "function",
		"function": gin.H{
			"name":      call.Name,
			"arguments": call.Arguments,
		},
	}
}

func chunkTemplate(id string, created int64, model string) string {
	base := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	base, _ = sjson.Set(base, "id", id)
	base, _ = sjson.Set(base, "created", created)
	base, _ = sjson.Set(base, "model", model)
	return base
}

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
}

func writeSSE(c *gin.Context, flusher http.Flusher, chunk string) {
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
	flusher.Flush()
}

func writeSSEDone(c *gin.Context, flusher http.Flusher) {
	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

// extractItems flattens the request's messages array. String content passes
// through; array content is split into joined text parts and image
// attachments, with data URLs decoded inline. Tool results are rewritten
// into continuation turns the upstream can read.
func extractItems(list gjson.Result) []chatItem {
	if !list.IsArray() {
		return nil
	}
	var out []chatItem
	for _, m := range list.Array() {
		role := conversation.NormalizeRole(m.Get("role").String())
		item := chatItem{msg: conversation.Message{Role: role}}

		content := m.Get("content")
		switch {
		case content.Type == gjson.String:
			item.msg.Content = content.String()
		case content.IsArray():
			var texts []string
			for _, part := range content.Array() {
				switch part.Get("type").String() {
				case "text":
					texts = append(texts, part.Get("text").String())
				case "image_url":
					if att, ok := parseImagePart(part.Get("image_url.url").String(), len(item.atts)); ok {
						item.atts = append(item.atts, att)
					}
				}
			}
			item.msg.Content = strings.Join(texts, "\n")
		}

		if role == "tool" || role == "function" {
			item.msg.Content = tools.WrapToolResult(m.Get("name").String(), item.msg.Content)
		}
		if item.msg.Content == "" && len(item.atts) == 0 {
			continue
		}
		out = append(out, item)
	}
	return out
}

// parseImagePart turns an image_url value into an attachment. Data URLs are
// decoded here; remote URLs are fetched at encoding time.
func parseImagePart(rawURL string, index int) (geminiweb.Attachment, bool) {
	if rawURL == "" {
		return geminiweb.Attachment{}, false
	}
	if strings.HasPrefix(rawURL, "data:") {
		header, payload, ok := strings.Cut(rawURL, ",")
		if !ok {
			return geminiweb.Attachment{}, false
		}
		mimeType := strings.TrimPrefix(header, "data:")
		mimeType = strings.TrimSuffix(mimeType, ";base64")
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			log.Warnf("discarding undecodable data URL attachment: %v", err)
			return geminiweb.Attachment{}, false
		}
		return geminiweb.Attachment{
			Filename: fmt.Sprintf("image-%d%s", index, extForMIME(mimeType)),
			MIMEType: mimeType,
			Data:     data,
		}, true
	}
	return geminiweb.Attachment{
		Filename: fmt.Sprintf("image-%d", index),
		URL:      rawURL,
	}, true
}

func extForMIME(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

// mapError translates the typed error hierarchy onto HTTP statuses and
// OpenAI error bodies.
func mapError(err error) (int, ErrorResponse) {
	var (
		malformed  *geminiweb.MalformedCookieError
		auth       *geminiweb.AuthError
		network    *geminiweb.NetworkError
		desync     *geminiweb.ProtocolDesyncError
		attachment *geminiweb.AttachmentFetchError
		usage      *geminiweb.UsageLimitError
		mismatch   *geminiweb.ModelMismatchError
		blocked    *geminiweb.IPBlockedError
		upstream   *geminiweb.UpstreamCodeError
	)
	switch {
	case errors.As(err, &usage), errors.As(err, &blocked):
		return http.StatusTooManyRequests, errorBody(err, "rate_limit_error")
	case errors.As(err, &mismatch), errors.As(err, &attachment), errors.As(err, &malformed):
		return http.StatusBadRequest, errorBody(err, "invalid_request_error")
	case errors.As(err, &auth):
		return http.StatusUnauthorized, errorBody(err, "authentication_error")
	case errors.As(err, &network), errors.As(err, &desync), errors.As(err, &upstream):
		return http.StatusBadGateway, errorBody(err, "server_error")
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorBody(err, "server_error")
	default:
		return http.StatusInternalServerError, errorBody(err, "server_error")
	}
}

func errorBody(err error, errType string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: err.Error(), Type: errType}}
}
