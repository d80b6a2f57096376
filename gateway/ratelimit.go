package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// IsRateLimited reports whether err is an upstream rate-limit rejection.
// Providers signal throttling inconsistently, so three shapes are
// recognized: an HTTP 429 response, a JSON-RPC error object carrying
// code 429, and an error message containing "too many requests".
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == http.StatusTooManyRequests {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "too many requests")
}
