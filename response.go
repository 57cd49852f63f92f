package ultrafast

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Timing breaks down where a call spent its time.
type Timing struct {
	Start     time.Time
	Connect   time.Duration
	FirstByte time.Duration
	Total     time.Duration
}

// Response is the envelope returned for every completed call. The caller owns
// it exclusively; the engine retains no reference after returning it.
type Response struct {
	StatusCode int
	Headers    http.Header
	Content    []byte
	URL        string

	// Protocol is the negotiated version, e.g. "HTTP/1.1" or "HTTP/2".
	Protocol string
	Elapsed  time.Duration
	Timing   Timing

	RequestID string
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Content)
}

// Bytes returns the raw body.
func (r *Response) Bytes() []byte {
	return r.Content
}

// JSON unmarshals the body into v.
func (r *Response) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Content, v); err != nil {
		return &ClientError{
			Type:       ErrorTypeSerialization,
			Message:    "failed to decode response body",
			Cause:      err,
			URL:        r.URL,
			StatusCode: r.StatusCode,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// GetHeader returns the first value for name, matched case-insensitively.
func (r *Response) GetHeader(name string) string {
	return r.Headers.Get(name)
}

// StatusText returns the standard reason phrase for the status code.
func (r *Response) StatusText() string {
	return http.StatusText(r.StatusCode)
}

// RaiseForStatus returns an HTTPStatusError for 4xx and 5xx responses, nil
// otherwise. Client and server errors carry distinct messages.
func (r *Response) RaiseForStatus() error {
	switch {
	case r.StatusCode >= 500:
		return &ClientError{
			Type:       ErrorTypeHTTPStatus,
			Message:    fmt.Sprintf("server error %d %s", r.StatusCode, r.StatusText()),
			URL:        r.URL,
			StatusCode: r.StatusCode,
			RequestID:  r.RequestID,
			Timestamp:  time.Now(),
		}
	case r.StatusCode >= 400:
		return &ClientError{
			Type:       ErrorTypeHTTPStatus,
			Message:    fmt.Sprintf("client error %d %s", r.StatusCode, r.StatusText()),
			URL:        r.URL,
			StatusCode: r.StatusCode,
			RequestID:  r.RequestID,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// IterChunks splits the body into size-byte chunks; the final chunk may be
// shorter. Size defaults to 8192 when non-positive.
func (r *Response) IterChunks(size int) [][]byte {
	if size <= 0 {
		size = 8192
	}
	var chunks [][]byte
	for off := 0; off < len(r.Content); off += size {
		end := off + size
		if end > len(r.Content) {
			end = len(r.Content)
		}
		chunks = append(chunks, r.Content[off:end])
	}
	return chunks
}

// IterLines splits the body into lines without trailing newlines.
func (r *Response) IterLines() []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(r.Content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func marshalJSON(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, &ClientError{
			Type:      ErrorTypeSerialization,
			Message:   "failed to encode request body",
			Cause:     err,
			Timestamp: time.Now(),
		}
	}
	return body, nil
}
