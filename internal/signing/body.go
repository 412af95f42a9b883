package signing

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// readBody drains and returns up to max bytes of the request body.
func readBody(r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > max {
		return nil, fmt.Errorf("body exceeds %d bytes", max)
	}
	return body, nil
}

// newReplayReader rewraps buffered bytes as a request body.
func newReplayReader(body []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(body))
}
