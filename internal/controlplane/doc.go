// Package controlplane talks to the gallery control plane over gRPC.
//
// The service exposes four unary methods under gallery.v1.ControlPlane:
//
//	Exists    {file_hash}                       -> {found, content_id, destinations[]}
//	Attach    {content_id, destination}         -> {}
//	Finalize  {content_id, destination, ...}    -> {content_id, moderated}
//	Ping      {}                                -> {status}
//
// Messages are google.protobuf.Struct values, so no generated stubs are
// needed. Every call carries the access token in outgoing metadata and every
// failure comes back classified through errx.
package controlplane
