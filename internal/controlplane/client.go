package controlplane

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "gallery.v1.ControlPlane"

const (
	MethodExists   = "/" + ServiceName + "/Exists"
	MethodAttach   = "/" + ServiceName + "/Attach"
	MethodFinalize = "/" + ServiceName + "/Finalize"
	MethodPing     = "/" + ServiceName + "/Ping"
)

// ExistsResult answers a content existence check.
type ExistsResult struct {
	Found        bool
	ContentID    string
	Destinations []string
}

// FinalizeParams is the metadata written once all chunks are acknowledged.
type FinalizeParams struct {
	ContentID   string
	Destination string
	FileHash    string
	Filename    string
	Metadata    models.Metadata
}

type FinalizeResult struct {
	ContentID string
	// Moderated is set when the gallery holds the item for review.
	Moderated bool
}

type GRPCClient struct {
	conn        grpc.ClientConnInterface
	closer      io.Closer
	accessToken string
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if c.accessToken != "" {
		ctx = withAccessToken(ctx, c.accessToken)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// New connects to the control plane at addr. Extra dial options are appended
// after the defaults.
func New(addr, accessToken string, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{accessToken: accessToken}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.closer = conn
	return c, nil
}

func (c *GRPCClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *GRPCClient) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, errx.Client(method, fmt.Errorf("encode request: %w", err))
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func stringList(v []string) []any {
	out := make([]any, len(v))
	for i, s := range v {
		out[i] = s
	}
	return out
}

// Exists asks whether content with hash is already stored. A NotFound status
// is an answer, not a failure. Any other error is returned classified and
// must not be read as absent.
func (c *GRPCClient) Exists(ctx context.Context, hash string) (ExistsResult, error) {
	resp, err := c.invoke(ctx, MethodExists, map[string]any{"file_hash": hash})
	if status.Code(err) == codes.NotFound {
		return ExistsResult{}, nil
	}
	if err != nil {
		return ExistsResult{}, mapError("exists", err)
	}

	f := resp.GetFields()
	res := ExistsResult{
		Found:     f["found"].GetBoolValue(),
		ContentID: f["content_id"].GetStringValue(),
	}
	for _, v := range f["destinations"].GetListValue().GetValues() {
		res.Destinations = append(res.Destinations, v.GetStringValue())
	}

	if res.Found && res.ContentID == "" {
		return ExistsResult{}, errx.Protocol("exists", fmt.Errorf("%w: found without content_id", errx.ErrMalformedResponse))
	}
	return res, nil
}

// Attach adds existing content to destination.
func (c *GRPCClient) Attach(ctx context.Context, contentID, destination string) error {
	_, err := c.invoke(ctx, MethodAttach, map[string]any{
		"content_id":  contentID,
		"destination": destination,
	})
	return mapError("attach", err)
}

// Finalize writes the item metadata once every chunk is acknowledged.
func (c *GRPCClient) Finalize(ctx context.Context, p FinalizeParams) (FinalizeResult, error) {
	in := map[string]any{
		"content_id":  p.ContentID,
		"destination": p.Destination,
		"file_hash":   p.FileHash,
		"filename":    p.Filename,
		"title":       p.Metadata.Title,
		"author":      p.Metadata.Author,
		"comment":     p.Metadata.Comment,
		"tags":        stringList(p.Metadata.Tags),
		"level":       int(p.Metadata.Visibility),
	}
	if !p.Metadata.CreatedAt.IsZero() {
		in["date_creation"] = p.Metadata.CreatedAt.UTC().Format(time.RFC3339)
	}

	resp, err := c.invoke(ctx, MethodFinalize, in)
	if err != nil {
		return FinalizeResult{}, mapError("finalize", err)
	}

	f := resp.GetFields()
	res := FinalizeResult{
		ContentID: f["content_id"].GetStringValue(),
		Moderated: f["moderated"].GetBoolValue(),
	}
	if res.ContentID == "" {
		return FinalizeResult{}, errx.Protocol("finalize", fmt.Errorf("%w: missing content_id", errx.ErrMalformedResponse))
	}
	return res, nil
}

// Ping checks that the control plane is reachable.
func (c *GRPCClient) Ping(ctx context.Context) error {
	resp, err := c.invoke(ctx, MethodPing, map[string]any{})
	if err != nil {
		return mapError("ping", err)
	}
	if !strings.EqualFold(resp.GetFields()["status"].GetStringValue(), "OK") {
		return errx.Transient("ping", common.ErrUnavailable)
	}
	return nil
}
