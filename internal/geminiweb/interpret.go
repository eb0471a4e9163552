package geminiweb

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	reEchoMarkdown    = regexp.MustCompile(`!\[[^\]]*\]\(https://[^)]*googleusercontent\.com/gg/[^)]*\)`)
	reEchoBare        = regexp.MustCompile(`https://lh3\.googleusercontent\.com/gg/\S+`)
	rePlaceholder     = regexp.MustCompile(`https?://googleusercontent\.com/(?:image_generation_content|video_gen_chip)/\d+`)
	reVideoChip       = regexp.MustCompile(`video_gen_chip`)
	reSizeSuffixWidth = regexp.MustCompile(`=w\d+(-h\d+)?(-[a-zA-Z]+)*$`)
	reSizeSuffixScale = regexp.MustCompile(`=s\d+(-[a-zA-Z]+)*$`)
	reSizeSuffixTall  = regexp.MustCompile(`=h\d+(-[a-zA-Z]+)*$`)
)

// VideoNotice explains asynchronous video generation to the caller; the
// frontend never returns video bytes inline.
const VideoNotice = "\n\n📹 Video is generated asynchronously and will appear in the Gemini web interface shortly. " +
	"Video generation is rate limited: Veo model 3 times per day, Nano Banana 1000 times per day."

// interpreter folds a sequence of inner frames into one turn result. Text
// arrives as cumulative snapshots; the interpreter keeps the longest snapshot
// that extends what it already delivered and reports the growth as a delta,
// so concatenating every delta reproduces Text exactly.
type interpreter struct {
	text     string
	thoughts string
	handle   Handle
	media    []MediaRef
	seenURLs map[string]bool
}

func newInterpreter() *interpreter {
	return &interpreter{seenURLs: make(map[string]bool)}
}

// Feed interprets one inner frame and returns the text delta it produced,
// usually empty. Frames whose shape does not match are skipped without
// affecting already delivered text.
func (it *interpreter) Feed(inner string) string {
	parsed := gjson.Parse(inner)
	if !parsed.IsArray() {
		return ""
	}
	if cid := parsed.Get("1.0"); cid.Type == gjson.String {
		it.handle.CID = cid.String()
	}
	if rid := parsed.Get("1.1"); rid.Type == gjson.String {
		it.handle.RID = rid.String()
	}
	candidate := parsed.Get("4.0")
	if !candidate.IsArray() {
		return ""
	}
	if rcid := candidate.Get("0"); rcid.Type == gjson.String {
		it.handle.RCID = rcid.String()
	}
	if thoughts := candidate.Get("37.0.0"); thoughts.Type == gjson.String {
		// Thought snapshots are cumulative like text ones; only
		// prefix-extensions advance what consumers may already have
		// relayed.
		if snap := thoughts.String(); len(snap) > len(it.thoughts) && strings.HasPrefix(snap, it.thoughts) {
			it.thoughts = snap
		}
	}
	it.collectMedia(candidate)

	text := candidate.Get("1.0")
	if text.Type != gjson.String {
		return ""
	}
	snapshot := text.String()
	if len(snapshot) <= len(it.text) || !strings.HasPrefix(snapshot, it.text) {
		return ""
	}
	delta := snapshot[len(it.text):]
	it.text = snapshot
	return delta
}

// Text returns everything delivered so far.
func (it *interpreter) Text() string { return it.text }

// Handle returns the conversation pointer assembled from the stream.
func (it *interpreter) Handle() Handle { return it.handle }

// Media returns the generated artifacts found so far, in discovery order.
func (it *interpreter) Media() []MediaRef { return it.media }

// collectMedia walks the candidate tree for generated media entries. An
// entry is a four-element array [null, kind, filename, url] whose url lives
// under a gg-dl path; entries come in watermarked/unwatermarked pairs and
// the unwatermarked second element wins when present.
func (it *interpreter) collectMedia(node gjson.Result) {
	if !node.IsArray() {
		return
	}
	items := node.Array()
	if ref, ok := mediaEntry(items); ok {
		if !it.seenURLs[ref.URL] {
			it.seenURLs[ref.URL] = true
			it.media = append(it.media, ref)
		}
		return
	}
	if len(items) == 4 && items[0].IsArray() && items[1].Type == gjson.Null &&
		items[2].Type == gjson.Null && items[3].IsArray() {
		// A pair wraps the watermarked and unwatermarked variants of the
		// same artifact.
		if ref, ok := mediaEntry(items[3].Array()); ok {
			if !it.seenURLs[ref.URL] {
				it.seenURLs[ref.URL] = true
				it.media = append(it.media, ref)
			}
			return
		}
	}
	for _, item := range items {
		it.collectMedia(item)
	}
}

func mediaEntry(items []gjson.Result) (MediaRef, bool) {
	if len(items) != 4 {
		return MediaRef{}, false
	}
	if items[0].Type != gjson.Null || items[1].Type != gjson.Number {
		return MediaRef{}, false
	}
	if items[2].Type != gjson.String || items[3].Type != gjson.String {
		return MediaRef{}, false
	}
	u := items[3].String()
	if !strings.HasPrefix(u, "https://") || !strings.Contains(u, "gg-dl/") {
		return MediaRef{}, false
	}
	return MediaRef{Filename: items[2].String(), URL: u}, true
}

// CleanText strips attachment echoes and generation placeholders out of a
// finished reply. URLs under /gg/ are re-renderings of what the caller
// uploaded, not model output.
func CleanText(text string) (string, bool) {
	video := reVideoChip.MatchString(text)
	text = reEchoMarkdown.ReplaceAllString(text, "")
	text = reEchoBare.ReplaceAllString(text, "")
	text = rePlaceholder.ReplaceAllString(text, "")
	return strings.TrimSpace(text), video
}

// FullSizeURL rewrites a googleusercontent thumbnail suffix to request the
// original resolution. Video URLs are returned untouched.
func FullSizeURL(rawURL string) string {
	if !strings.Contains(rawURL, "googleusercontent.com") && !strings.Contains(rawURL, "ggpht.com") {
		return rawURL
	}
	if strings.Contains(rawURL, "video") {
		return rawURL
	}
	for _, re := range []*regexp.Regexp{reSizeSuffixWidth, reSizeSuffixScale, reSizeSuffixTall} {
		if re.MatchString(rawURL) {
			return re.ReplaceAllString(rawURL, "=s0")
		}
	}
	return rawURL
}
