package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/controlplane"
	"github.com/dmitrijs2005/gophupload/internal/destcache"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/metrics"
	"github.com/dmitrijs2005/gophupload/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	exists    controlplane.ExistsResult
	existsErr error
	attachErr error
	attached  []string
}

func (f *fakeIndex) Exists(ctx context.Context, hash string) (controlplane.ExistsResult, error) {
	return f.exists, f.existsErr
}

func (f *fakeIndex) Attach(ctx context.Context, contentID, destination string) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached = append(f.attached, contentID+"@"+destination)
	return nil
}

func req() *models.TransferRequest {
	return &models.TransferRequest{ID: "r1", FileHash: "h1", Destination: "album-2"}
}

func TestResolve_Absent(t *testing.T) {
	m := metrics.New(nil)
	d := NewResolver(&fakeIndex{}, nil, m, nil)

	out, err := d.Resolve(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, Absent, out.Kind)
	assert.Empty(t, out.ContentID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupOutcomes.WithLabelValues("absent")))
}

func TestResolve_AttachesToNewDestination(t *testing.T) {
	idx := &fakeIndex{exists: controlplane.ExistsResult{Found: true, ContentID: "c9", Destinations: []string{"album-1"}}}
	cache := destcache.New(16, time.Minute)
	d := NewResolver(idx, cache, nil, nil)

	out, err := d.Resolve(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, Outcome{Kind: Attached, ContentID: "c9"}, out)
	assert.Equal(t, []string{"c9@album-2"}, idx.attached)
	assert.True(t, cache.Contains("c9", "album-2"))

	// second time the cache says the destination already has it
	idx.exists.Destinations = nil
	out, err = d.Resolve(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, AlreadyPresent, out.Kind)
	assert.Len(t, idx.attached, 1)
}

func TestResolve_AlreadyInDestination(t *testing.T) {
	idx := &fakeIndex{exists: controlplane.ExistsResult{Found: true, ContentID: "c9", Destinations: []string{"album-2"}}}
	d := NewResolver(idx, nil, nil, nil)

	out, err := d.Resolve(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, AlreadyPresent, out.Kind)
	assert.Empty(t, idx.attached)
}

func TestResolve_ExistsFailureIsNotAbsent(t *testing.T) {
	m := metrics.New(nil)
	d := NewResolver(&fakeIndex{existsErr: errors.New("connection refused")}, nil, m, nil)

	out, err := d.Resolve(context.Background(), req())
	require.Error(t, err)
	assert.Equal(t, Outcome{}, out)
	assert.Equal(t, errx.ClassTransient, errx.Classify(err))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DedupOutcomes.WithLabelValues("absent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupOutcomes.WithLabelValues("error")))
}

func TestResolve_KeepsClassification(t *testing.T) {
	idx := &fakeIndex{
		exists:    controlplane.ExistsResult{Found: true, ContentID: "c9"},
		attachErr: errx.Client("attach", errors.New("destination gone")),
	}
	d := NewResolver(idx, nil, nil, nil)

	_, err := d.Resolve(context.Background(), req())
	require.Error(t, err)
	assert.Equal(t, errx.ClassClient, errx.Classify(err))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "absent", Absent.String())
	assert.Equal(t, "attached", Attached.String())
	assert.Equal(t, "present", AlreadyPresent.String())
}
