// Package s3chan is the background transfer channel. Each item becomes an S3
// multipart upload keyed by its correlation token, so the transfer survives
// process restarts: parts already stored are found again with ListParts.
package s3chan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/gophupload/internal/chunk"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/session"
)

// MinPartSize is the smallest part S3 accepts for every part but the last.
const MinPartSize = 5 << 20

var (
	ErrIncompleteUpload = errors.New("multipart upload is missing parts")
	ErrPartTooSmall     = errors.New("multipart part is below the minimum size")
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3API is the subset of *s3.Client the channel uses.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
}

type Config struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Prefix       string
	UsePathStyle bool
}

// NewClient builds an S3 client for cfg.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

type Channel struct {
	api     S3API
	bucket  string
	prefix  string
	minPart int

	mu      sync.Mutex
	uploads map[string]upload // by token
}

type upload struct {
	key string
	id  string
}

func New(api S3API, bucket, prefix string) *Channel {
	return &Channel{api: api, bucket: bucket, prefix: prefix, minPart: MinPartSize, uploads: map[string]upload{}}
}

func (c *Channel) tokenPrefix(token string) string {
	return path.Join(c.prefix, token) + "/"
}

func (c *Channel) objectKey(env *chunk.Envelope) string {
	name := path.Base(env.Filename)
	if name == "." || name == "/" || name == "" {
		name = env.FileHash
	}
	return c.tokenPrefix(env.Token) + name
}

func (c *Channel) Send(ctx context.Context, env *chunk.Envelope) (*session.Receipt, error) {
	// S3 only rejects small parts at completion, after every part is stored.
	if !env.Last() && len(env.Payload) < c.minPart {
		return nil, errx.Client("upload part", fmt.Errorf("%w: chunk %d is %d bytes, need %d",
			ErrPartTooSmall, env.ChunkIndex, len(env.Payload), c.minPart))
	}

	up, err := c.ensureUpload(ctx, env)
	if err != nil {
		return nil, err
	}

	_, err = c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(up.key),
		UploadId:      aws.String(up.id),
		PartNumber:    aws.Int32(int32(env.ChunkIndex + 1)),
		Body:          bytes.NewReader(env.Payload),
		ContentLength: aws.Int64(int64(len(env.Payload))),
	})
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			// the upload was aborted or expired server-side
			c.forget(env.Token)
			return nil, errx.Protocol("upload part", err)
		}
		return nil, classify(ctx, "upload part", err)
	}

	if !env.Last() {
		return &session.Receipt{}, nil
	}

	return c.complete(ctx, env, up)
}

func (c *Channel) complete(ctx context.Context, env *chunk.Envelope, up upload) (*session.Receipt, error) {
	parts, err := c.listParts(ctx, up)
	if err != nil {
		return nil, classify(ctx, "list parts", err)
	}
	if len(parts) != env.ChunkCount {
		return nil, errx.Protocol("complete upload", fmt.Errorf("%w: have %d of %d", ErrIncompleteUpload, len(parts), env.ChunkCount))
	}

	out, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(up.key),
		UploadId:        aws.String(up.id),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, classify(ctx, "complete upload", err)
	}
	c.forget(env.Token)

	id := up.key
	if out != nil && aws.ToString(out.Key) != "" {
		id = aws.ToString(out.Key)
	}
	return &session.Receipt{ContentID: id}, nil
}

func (c *Channel) listParts(ctx context.Context, up upload) ([]types.CompletedPart, error) {
	var parts []types.CompletedPart
	var marker *string
	for {
		out, err := c.api.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(c.bucket),
			Key:              aws.String(up.key),
			UploadId:         aws.String(up.id),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, err
		}
		for _, p := range out.Parts {
			parts = append(parts, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts, nil
}

// ensureUpload returns the multipart upload of env.Token, creating it when
// neither the cache nor the bucket knows one.
func (c *Channel) ensureUpload(ctx context.Context, env *chunk.Envelope) (upload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if up, ok := c.uploads[env.Token]; ok {
		return up, nil
	}

	key := c.objectKey(env)
	existing, err := c.findUploads(ctx, env.Token)
	if err != nil {
		return upload{}, classify(ctx, "list uploads", err)
	}
	for _, up := range existing {
		if up.key == key {
			c.uploads[env.Token] = up
			return up, nil
		}
	}

	out, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(env.MimeType),
		Metadata:    objectMetadata(env),
	})
	if err != nil {
		return upload{}, classify(ctx, "create upload", err)
	}

	up := upload{key: key, id: aws.ToString(out.UploadId)}
	c.uploads[env.Token] = up
	return up, nil
}

func (c *Channel) findUploads(ctx context.Context, token string) ([]upload, error) {
	var found []upload
	in := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.tokenPrefix(token)),
	}
	for {
		out, err := c.api.ListMultipartUploads(ctx, in)
		if err != nil {
			return nil, err
		}
		for _, u := range out.Uploads {
			found = append(found, upload{key: aws.ToString(u.Key), id: aws.ToString(u.UploadId)})
		}
		if !aws.ToBool(out.IsTruncated) {
			return found, nil
		}
		in.KeyMarker = out.NextKeyMarker
		in.UploadIdMarker = out.NextUploadIdMarker
	}
}

func (c *Channel) forget(token string) {
	c.mu.Lock()
	delete(c.uploads, token)
	c.mu.Unlock()
}

// Abort drops every unfinished multipart upload of token.
func (c *Channel) Abort(ctx context.Context, token string) error {
	c.forget(token)

	ups, err := c.findUploads(ctx, token)
	if err != nil {
		return classify(ctx, "list uploads", err)
	}
	var errs []error
	for _, up := range ups {
		_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(up.key),
			UploadId: aws.String(up.id),
		})
		if err != nil && statusOf(err) != http.StatusNotFound {
			errs = append(errs, classify(ctx, "abort upload", err))
		}
	}
	return errors.Join(errs...)
}

// objectMetadata carries the destination metadata as user metadata. Values
// are query-escaped since S3 metadata must be ASCII.
func objectMetadata(env *chunk.Envelope) map[string]string {
	m := map[string]string{
		"file-hash":   env.FileHash,
		"chunk-count": strconv.Itoa(env.ChunkCount),
		"destination": url.QueryEscape(env.Destination),
		"filename":    url.QueryEscape(env.Filename),
		"visibility":  strconv.Itoa(int(env.Metadata.Visibility)),
	}
	if env.Metadata.Title != "" {
		m["title"] = url.QueryEscape(env.Metadata.Title)
	}
	if env.Metadata.Author != "" {
		m["author"] = url.QueryEscape(env.Metadata.Author)
	}
	if env.Metadata.Comment != "" {
		m["comment"] = url.QueryEscape(env.Metadata.Comment)
	}
	if len(env.Metadata.Tags) > 0 {
		tags := make([]string, len(env.Metadata.Tags))
		for i, t := range env.Metadata.Tags {
			tags[i] = url.QueryEscape(t)
		}
		m["tags"] = strings.Join(tags, ",")
	}
	return m
}

type httpStatusError interface {
	HTTPStatusCode() int
}

func statusOf(err error) int {
	var se httpStatusError
	if errors.As(err, &se) {
		return se.HTTPStatusCode()
	}
	return 0
}

func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if code := statusOf(err); code != 0 {
		return errx.New(op, errx.ClassForStatus(code), err)
	}
	return errx.Transient(op, err)
}
