// Package dedup checks the server for content with the same hash before any
// bytes are sent, and attaches existing content instead of re-uploading it.
package dedup

import (
	"context"
	"errors"
	"slices"

	"github.com/dmitrijs2005/gophupload/internal/controlplane"
	"github.com/dmitrijs2005/gophupload/internal/destcache"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/metrics"
	"github.com/dmitrijs2005/gophupload/internal/models"
)

type Kind int

const (
	// Absent means the content must be transferred.
	Absent Kind = iota
	// Attached means existing content was added to the destination.
	Attached
	// AlreadyPresent means the destination already holds the content.
	AlreadyPresent
)

func (k Kind) String() string {
	switch k {
	case Attached:
		return "attached"
	case AlreadyPresent:
		return "present"
	default:
		return "absent"
	}
}

type Outcome struct {
	Kind      Kind
	ContentID string
}

// ContentIndex is the part of the control plane the resolver needs.
type ContentIndex interface {
	Exists(ctx context.Context, hash string) (controlplane.ExistsResult, error)
	Attach(ctx context.Context, contentID, destination string) error
}

type Resolver struct {
	index   ContentIndex
	cache   *destcache.Cache
	metrics *metrics.Metrics
	logger  logging.Logger
}

// NewResolver builds a resolver. cache and m may be nil.
func NewResolver(index ContentIndex, cache *destcache.Cache, m *metrics.Metrics, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Resolver{index: index, cache: cache, metrics: m, logger: logger.With("component", "dedup")}
}

// Resolve decides whether r needs a transfer. A failed existence check is
// returned as a classified error and never reported as Absent.
func (d *Resolver) Resolve(ctx context.Context, r *models.TransferRequest) (Outcome, error) {
	res, err := d.index.Exists(ctx, r.FileHash)
	if err != nil {
		d.observe("error")
		return Outcome{}, classified("exists", err)
	}
	if !res.Found {
		d.observe(Absent.String())
		return Outcome{Kind: Absent}, nil
	}

	out := Outcome{Kind: AlreadyPresent, ContentID: res.ContentID}
	known := slices.Contains(res.Destinations, r.Destination)
	if d.cache != nil {
		known = known || d.cache.Contains(res.ContentID, r.Destination)
	}

	if !known {
		if err := d.index.Attach(ctx, res.ContentID, r.Destination); err != nil {
			d.observe("error")
			return Outcome{}, classified("attach", err)
		}
		out.Kind = Attached
	}

	if d.cache != nil {
		d.cache.RecordNewContent(res.ContentID, r.Destination)
	}
	d.observe(out.Kind.String())
	d.logger.Debug(ctx, "content already on server", "request_id", r.ID, "content_id", res.ContentID, "outcome", out.Kind.String())
	return out, nil
}

func (d *Resolver) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.DedupOutcomes.WithLabelValues(outcome).Inc()
	}
}

// classified keeps an existing classification and treats anything else as
// transient.
func classified(op string, err error) error {
	var e *errx.Error
	if errors.As(err, &e) {
		return err
	}
	return errx.Transient(op, err)
}
