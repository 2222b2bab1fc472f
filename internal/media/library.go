// Package media reads source assets from the local media library.
package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// sniffLen is how many leading bytes mimetype needs for detection.
const sniffLen = 3072

// Info describes a source asset.
type Info struct {
	Ref      string
	Name     string
	Size     int64
	MimeType string
}

// Library serves assets from a billy filesystem.
type Library struct {
	fs billy.Filesystem
}

func NewLibrary(fs billy.Filesystem) *Library {
	return &Library{fs: fs}
}

// NewOSLibrary serves assets below root on the local disk.
func NewOSLibrary(root string) *Library {
	return NewLibrary(osfs.New(root))
}

func mapErr(op, ref string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errx.Client(op, fmt.Errorf("%s: %w", ref, errx.ErrSourceNotFound))
	}
	if errors.Is(err, fs.ErrPermission) {
		return errx.Client(op, fmt.Errorf("%s: %w", ref, err))
	}
	return errx.Local(op, fmt.Errorf("%s: %w", ref, err))
}

// Stat returns size, name and sniffed content type of ref.
func (l *Library) Stat(ref string) (Info, error) {
	fi, err := l.fs.Stat(ref)
	if err != nil {
		return Info{}, mapErr("stat source", ref, err)
	}
	if fi.IsDir() {
		return Info{}, errx.Client("stat source", fmt.Errorf("%s is a directory: %w", ref, errx.ErrSourceNotFound))
	}

	info := Info{Ref: ref, Name: path.Base(ref), Size: fi.Size()}
	if info.Size == 0 {
		return info, nil
	}

	n := min(info.Size, sniffLen)
	head, err := l.ReadRange(ref, 0, n)
	if err != nil {
		return Info{}, err
	}
	info.MimeType = DetectType(head)
	return info, nil
}

// Open returns a handle usable as io.ReaderAt. The caller closes it.
func (l *Library) Open(ref string) (billy.File, error) {
	f, err := l.fs.Open(ref)
	if err != nil {
		return nil, mapErr("open source", ref, err)
	}
	return f, nil
}

// ReadRange reads n bytes at off. A short read means the asset changed.
func (l *Library) ReadRange(ref string, off, n int64) ([]byte, error) {
	f, err := l.Open(ref)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	m, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, mapErr("read source", ref, err)
	}
	if int64(m) < n {
		return nil, errx.Client("read source", fmt.Errorf("%s: %w", ref, errx.ErrSourceChanged))
	}
	return buf, nil
}

// DetectType sniffs the content type from the leading bytes of a file.
func DetectType(head []byte) string {
	return mimetype.Detect(head).String()
}

// Supported reports whether mime matches one of the allowed patterns.
// Patterns are exact types or "type/*". An empty list allows everything.
func Supported(mime string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	// mimetype may append parameters such as "; charset=utf-8".
	base, _, _ := strings.Cut(mime, ";")
	base = strings.TrimSpace(base)
	for _, a := range allowed {
		if a == base {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(base, prefix+"/") {
			return true
		}
	}
	return false
}
