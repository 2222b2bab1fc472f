// Package common contains shared constants and sentinel errors used across
// the upload pipeline.
package common

// AccessTokenHeaderName is the gRPC/HTTP metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// CorrelationHeaderName carries the correlation token of a chunk transfer.
// It travels outside the multipart body so completion handlers can read it
// without parsing the payload.
const CorrelationHeaderName = "X-Upload-Token"

// ChunkIndexHeaderName and ChunkCountHeaderName mirror the form fields so a
// finished task can be matched to its chunk from headers alone.
const (
	ChunkIndexHeaderName = "X-Upload-Chunk"
	ChunkCountHeaderName = "X-Upload-Chunks"
)
