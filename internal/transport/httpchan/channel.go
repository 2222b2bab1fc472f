// Package httpchan is the foreground transfer channel: each chunk is POSTed
// to the upload endpoint as a multipart form.
package httpchan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dmitrijs2005/gophupload/internal/chunk"
	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/netx"
	"github.com/dmitrijs2005/gophupload/internal/session"
)

const op = "send chunk"

// response is the JSON body returned by the upload endpoint. Only the final
// chunk of an item carries a content ID.
type response struct {
	ContentID string `json:"content_id"`
}

type Channel struct {
	client      *http.Client
	url         string
	accessToken string
}

// New returns a channel posting to url. A nil client means http.DefaultClient.
func New(client *http.Client, url, accessToken string) *Channel {
	return &Channel{client: client, url: url, accessToken: accessToken}
}

func (c *Channel) Send(ctx context.Context, env *chunk.Envelope) (*session.Receipt, error) {
	var buf bytes.Buffer
	contentType, err := env.Encode(&buf)
	if err != nil {
		return nil, errx.Local(op, err)
	}

	h := http.Header{}
	h.Set(common.CorrelationHeaderName, env.Token)
	h.Set(common.ChunkIndexHeaderName, strconv.Itoa(env.ChunkIndex))
	h.Set(common.ChunkCountHeaderName, strconv.Itoa(env.ChunkCount))
	if c.accessToken != "" {
		h.Set(common.AccessTokenHeaderName, c.accessToken)
	}

	resp, err := netx.Post(ctx, c.client, c.url, h, contentType, buf.Bytes())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errx.Transient(op, err)
	}
	if err := errx.FromHTTPStatus(op, resp.StatusCode, string(resp.Body)); err != nil {
		return nil, err
	}

	var r response
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		if err := json.Unmarshal(resp.Body, &r); err != nil {
			return nil, errx.Protocol(op, fmt.Errorf("%w: %v", errx.ErrMalformedResponse, err))
		}
	}
	if env.Last() && r.ContentID == "" {
		return nil, errx.Protocol(op, fmt.Errorf("%w: no content id for final chunk", errx.ErrMalformedResponse))
	}

	return &session.Receipt{ContentID: r.ContentID}, nil
}

