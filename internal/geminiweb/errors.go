package geminiweb

import "fmt"

// Error hierarchy -----------------------------------------------------------

// MalformedCookieError reports a cookie blob that could not be parsed into
// the credentials the upstream requires.
type MalformedCookieError struct{ Msg string }

func (e *MalformedCookieError) Error() string {
	if e.Msg == "" {
		return "malformed cookie"
	}
	return e.Msg
}

// AuthError reports that the upstream rejected the session credentials or
// that the anti-forgery token could not be derived.
type AuthError struct{ Msg string }

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return "authentication error"
	}
	return e.Msg
}

// NetworkError wraps a transport-level failure issuing or reading an
// upstream call.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolDesyncError reports that the upstream stream did not match the
// expected framing or shape. Offset is the byte position in the body where
// decoding gave up.
type ProtocolDesyncError struct {
	Offset int64
	Detail string
}

func (e *ProtocolDesyncError) Error() string {
	return fmt.Sprintf("protocol desync at offset %d: %s", e.Offset, e.Detail)
}

// AttachmentFetchError reports that a URL attachment could not be retrieved
// or uploaded. It aborts encoding of the turn that carried it.
type AttachmentFetchError struct {
	URL string
	Err error
}

func (e *AttachmentFetchError) Error() string {
	return fmt.Sprintf("attachment fetch failed: %s: %v", e.URL, e.Err)
}
func (e *AttachmentFetchError) Unwrap() error { return e.Err }

// MediaFetchError reports a per-artifact generated media download failure.
// Non-fatal to the turn; the artifact is omitted from the result.
type MediaFetchError struct {
	URL string
	Err error
}

func (e *MediaFetchError) Error() string {
	return fmt.Sprintf("media fetch failed: %s: %v", e.URL, e.Err)
}
func (e *MediaFetchError) Unwrap() error { return e.Err }

// UsageLimitError reports upstream error code 1037.
type UsageLimitError struct{ Model string }

func (e *UsageLimitError) Error() string {
	return fmt.Sprintf("usage limit of %s has been exceeded, try switching to another model", e.Model)
}

// ModelMismatchError reports upstream error codes 1050 and 1052, raised when
// the selected model id or header no longer matches what the frontend serves.
type ModelMismatchError struct{ Msg string }

func (e *ModelMismatchError) Error() string {
	if e.Msg == "" {
		return "selected model is inconsistent or unavailable"
	}
	return e.Msg
}

// IPBlockedError reports upstream error code 1060 or an HTTP 429.
type IPBlockedError struct{}

func (e *IPBlockedError) Error() string { return "too many requests, IP temporarily blocked" }

// UpstreamCodeError carries an upstream error code this client does not
// recognize. The code is preserved for diagnosis.
type UpstreamCodeError struct{ Code int }

func (e *UpstreamCodeError) Error() string { return fmt.Sprintf("upstream error code %d", e.Code) }
