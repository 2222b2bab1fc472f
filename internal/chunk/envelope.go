package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/checksum"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/models"
)

// Form field names of the chunk envelope.
const (
	FieldChunkIndex   = "chunk"
	FieldChunkCount   = "chunks"
	FieldFileHash     = "file_hash"
	FieldChunkHash    = "chunk_hash"
	FieldFilename     = "filename"
	FieldDestination  = "destination"
	FieldMimeType     = "mime_type"
	FieldTitle        = "title"
	FieldAuthor       = "author"
	FieldComment      = "comment"
	FieldTags         = "tags"
	FieldVisibility   = "level"
	FieldCreationTime = "date_creation"
	FieldPayload      = "file"
)

var ErrMalformedEnvelope = errors.New("malformed chunk envelope")

// Envelope is one chunk on the wire. Every chunk carries the destination
// metadata, so the server can assemble from any subset of chunks.
type Envelope struct {
	// Token is sent out of band as a header.
	Token string

	ChunkIndex  int
	ChunkCount  int
	FileHash    string
	ChunkHash   string
	Filename    string
	Destination string
	MimeType    string
	Metadata    models.Metadata
	Payload     []byte
}

// NewEnvelope builds the envelope for chunk index of a prepared request.
func NewEnvelope(r *models.TransferRequest, index int, payload []byte) *Envelope {
	var chunkHash string
	if index >= 0 && index < len(r.ChunkHashes) {
		chunkHash = r.ChunkHashes[index]
	}
	return &Envelope{
		Token:       r.Token,
		ChunkIndex:  index,
		ChunkCount:  r.ChunkCount(),
		FileHash:    r.FileHash,
		ChunkHash:   chunkHash,
		Filename:    r.Filename,
		Destination: r.Destination,
		MimeType:    r.MimeType,
		Metadata:    r.Metadata,
		Payload:     payload,
	}
}

// Verify checks the payload against ChunkHash.
func (e *Envelope) Verify(algo checksum.Algorithm) error {
	sum, err := checksum.Sum(algo, e.Payload)
	if err != nil {
		return err
	}
	if sum != e.ChunkHash {
		return fmt.Errorf("chunk %d: %w", e.ChunkIndex, errx.ErrChecksumMismatch)
	}
	return nil
}

// Last reports whether this is the final chunk.
func (e *Envelope) Last() bool {
	return e.ChunkIndex == e.ChunkCount-1
}

// Encode writes the envelope as multipart/form-data and returns the content
// type, boundary included.
func (e *Envelope) Encode(w io.Writer) (string, error) {
	mw := multipart.NewWriter(w)

	fields := []struct{ name, value string }{
		{FieldChunkIndex, strconv.Itoa(e.ChunkIndex)},
		{FieldChunkCount, strconv.Itoa(e.ChunkCount)},
		{FieldFileHash, e.FileHash},
		{FieldChunkHash, e.ChunkHash},
		{FieldFilename, e.Filename},
		{FieldDestination, e.Destination},
		{FieldMimeType, e.MimeType},
		{FieldTitle, e.Metadata.Title},
		{FieldAuthor, e.Metadata.Author},
		{FieldComment, e.Metadata.Comment},
		{FieldTags, strings.Join(e.Metadata.Tags, ",")},
		{FieldVisibility, strconv.Itoa(int(e.Metadata.Visibility))},
	}
	if !e.Metadata.CreatedAt.IsZero() {
		fields = append(fields, struct{ name, value string }{FieldCreationTime, e.Metadata.CreatedAt.UTC().Format(time.RFC3339)})
	}

	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return "", fmt.Errorf("write field %s: %w", f.name, err)
		}
	}

	part, err := mw.CreateFormFile(FieldPayload, e.Filename)
	if err != nil {
		return "", fmt.Errorf("create payload part: %w", err)
	}
	if _, err := part.Write(e.Payload); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}

	if err := mw.Close(); err != nil {
		return "", err
	}
	return mw.FormDataContentType(), nil
}

// Decode parses an envelope written by Encode and verifies the chunk hash.
// The token is not part of the body; pass it from the request header.
func Decode(body io.Reader, contentType, token string, algo checksum.Algorithm) (*Envelope, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		return nil, fmt.Errorf("%w: content type %q", ErrMalformedEnvelope, contentType)
	}

	values := map[string]string{}
	var payload []byte
	seenPayload := false

	mr := multipart.NewReader(body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}

		if p.FormName() == FieldPayload {
			payload = buf.Bytes()
			seenPayload = true
			continue
		}
		values[p.FormName()] = buf.String()
	}

	if !seenPayload {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}

	e := &Envelope{
		Token:       token,
		FileHash:    values[FieldFileHash],
		ChunkHash:   values[FieldChunkHash],
		Filename:    values[FieldFilename],
		Destination: values[FieldDestination],
		MimeType:    values[FieldMimeType],
		Payload:     payload,
		Metadata: models.Metadata{
			Title:   values[FieldTitle],
			Author:  values[FieldAuthor],
			Comment: values[FieldComment],
		},
	}

	if e.ChunkIndex, err = strconv.Atoi(values[FieldChunkIndex]); err != nil {
		return nil, fmt.Errorf("%w: chunk index: %v", ErrMalformedEnvelope, err)
	}
	if e.ChunkCount, err = strconv.Atoi(values[FieldChunkCount]); err != nil {
		return nil, fmt.Errorf("%w: chunk count: %v", ErrMalformedEnvelope, err)
	}
	if e.ChunkIndex < 0 || e.ChunkIndex >= e.ChunkCount {
		return nil, fmt.Errorf("%w: chunk %d of %d", ErrMalformedEnvelope, e.ChunkIndex, e.ChunkCount)
	}
	if v := values[FieldVisibility]; v != "" {
		level, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: level: %v", ErrMalformedEnvelope, err)
		}
		e.Metadata.Visibility = models.Visibility(level)
	}
	if v := values[FieldTags]; v != "" {
		e.Metadata.Tags = strings.Split(v, ",")
	}
	if v := values[FieldCreationTime]; v != "" {
		if e.Metadata.CreatedAt, err = time.Parse(time.RFC3339, v); err != nil {
			return nil, fmt.Errorf("%w: creation time: %v", ErrMalformedEnvelope, err)
		}
	}

	if err := e.Verify(algo); err != nil {
		return nil, err
	}
	return e, nil
}
