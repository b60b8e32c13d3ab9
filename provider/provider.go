package provider

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the provider reports that an item does not exist.
	ErrNotFound = errors.New("item not found")

	// ErrMalformedResponse is returned when a provider answers with a body that
	// cannot be interpreted.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// Item is one entry returned by a source listing or search.
type Item struct {
	ID    string
	Path  string
	Name  string
	Size  int64
	IsDir bool
}

// SearchQuery selects candidate files on the source.
type SearchQuery struct {
	Key       string
	Dir       string
	Page      int
	PageSize  int
	Recursive bool
}

// SearchPage is one page of search results.
type SearchPage struct {
	Items   []Item
	Page    int
	HasMore bool
}

// Link is a time-limited download location for one file.
type Link struct {
	URL  string
	Size int64
}

// UploadSession is a destination-side resumable upload handle.
type UploadSession struct {
	URL       string
	ExpiresAt time.Time
}

// SessionStatus is what the destination reports for an upload URL.
type SessionStatus struct {
	// Found is false when the destination answered 404 for the upload URL.
	Found              bool
	NextExpectedRanges []string
	ExpiresAt          time.Time
}

// StatusError is returned for any HTTP answer outside the accepted set.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsStatus reports whether err carries one of the given HTTP status codes.
func IsStatus(err error, codes ...int) bool {
	code := StatusCode(err)
	if code == 0 {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

var unsafePathChars = regexp.MustCompile(`[\\|:"<>?#$%^&*]`)

// SanitizePath removes characters the destination rejects in item paths and
// makes the result absolute.
func SanitizePath(p string) string {
	p = unsafePathChars.ReplaceAllString(p, "")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}
