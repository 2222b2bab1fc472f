package netx

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 1 << 20

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Post sends body to url with the given content type and extra headers.
// A non-2xx status is not an error; the caller classifies it.
func Post(ctx context.Context, client *http.Client, url string, header http.Header, contentType string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", contentType)

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Body: b}, nil
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
