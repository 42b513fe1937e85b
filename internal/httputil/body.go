// Package httputil holds small helpers for reading provider HTTP responses.
package httputil

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxResponseBytes caps provider response bodies at 4MB.
const DefaultMaxResponseBytes int64 = 4 << 20

var ErrBodyTooLarge = errors.New("response body too large")

// ReadBody reads at most limit bytes. When the body is longer the truncated
// prefix is returned together with ErrBodyTooLarge. A non-positive limit reads
// everything.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	buf, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return buf, err
	}
	if int64(len(buf)) > limit {
		return buf[:limit], ErrBodyTooLarge
	}
	return buf, nil
}

// DrainAndClose discards what is left of a response body so the connection
// can be reused.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// RetryAfter parses a Retry-After header given either as delay seconds or as
// an HTTP date. Unparseable or past values yield zero.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		if ms := strings.TrimSpace(h.Get("Retry-After-Ms")); ms != "" {
			if n, err := strconv.ParseInt(ms, 10, 64); err == nil && n > 0 {
				return time.Duration(n) * time.Millisecond
			}
		}
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
