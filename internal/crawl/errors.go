package crawl

import "net/http"

// RetryableStatus reports whether an HTTP status code is worth retrying.
// Server errors and throttling responses are transient; other client errors
// mean the content will never be retrievable.
func RetryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	switch code {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}
