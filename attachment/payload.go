package attachment

import (
	"errors"
	"net/url"
	"os"
	"sync"
)

// Kind is the coarse content category of a payload.
type Kind string

const (
	KindText  Kind = "text"
	KindURL   Kind = "url"
	KindImage Kind = "image"
	KindMovie Kind = "movie"
	KindFile  Kind = "file"
)

// KindOf maps a type identifier to its payload kind.
func KindOf(typeID string) Kind {
	switch typeID {
	case TypeText:
		return KindText
	case TypeURL:
		return KindURL
	case TypeImage:
		return KindImage
	case TypeMovie:
		return KindMovie
	default:
		return KindFile
	}
}

// Payload is the typed content produced by a successful load.
type Payload struct {
	AttachmentID string
	TypeID       string
	Kind         Kind
	MIME         string
	Name         string
	Text         string
	URL          *url.URL
	Data         []byte

	// Path is set when the content was staged on disk. Temporary payloads own
	// the file and remove it on Release.
	Path      string
	Temporary bool

	releaseOnce sync.Once
	releaseErr  error
}

// Size returns the number of inline bytes held by the payload.
func (p *Payload) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Data) + len(p.Text)
}

// Release drops inline buffers and removes a temporary staged file. It is
// safe to call more than once.
func (p *Payload) Release() error {
	if p == nil {
		return nil
	}
	p.releaseOnce.Do(func() {
		p.Data = nil
		p.Text = ""
		if p.Temporary && p.Path != "" {
			if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.releaseErr = err
			}
		}
	})
	return p.releaseErr
}
