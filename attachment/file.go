package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

const readChunk = 64 << 10

// ErrTooLarge is the IO failure returned when a file exceeds the size limit.
var ErrTooLarge = errors.New("attachment: content exceeds size limit")

// FileOption configures a File provider.
type FileOption func(*File)

// WithMaxSize limits how many bytes a load may read. Zero means no limit.
func WithMaxSize(n int64) FileOption {
	return func(f *File) {
		if n >= 0 {
			f.maxSize = n
		}
	}
}

// WithStagingDir copies loaded content into dir. The payload then owns the
// copy and removes it on Release.
func WithStagingDir(dir string) FileOption {
	return func(f *File) {
		f.stagingDir = dir
	}
}

// File provides a local file. Declared image and movie types are checked
// against the sniffed content.
type File struct {
	typeSet
	path       string
	maxSize    int64
	stagingDir string
}

// NewFile creates a file provider. With no types it declares TypeFile.
func NewFile(id, path string, types []string, opts ...FileOption) *File {
	if len(types) == 0 {
		types = []string{TypeFile}
	}
	f := &File{typeSet: newTypeSet(id, types...), path: path}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the source path.
func (f *File) Path() string { return f.path }

// Load implements Provider.
func (f *File) Load(ctx context.Context, typeID string) (*Payload, error) {
	if err := checkType(f, typeID); err != nil {
		return nil, err
	}

	fh, err := os.Open(f.path)
	if err != nil {
		return nil, ioError(f.id, typeID, err)
	}
	defer fh.Close()

	data, err := f.readAll(ctx, fh, typeID)
	if err != nil {
		return nil, err
	}

	mt := mimetype.Detect(data)
	if err := matchContent(typeID, mt); err != nil {
		return nil, &LoadError{AttachmentID: f.id, TypeID: typeID, Err: err}
	}

	p := &Payload{
		AttachmentID: f.id,
		TypeID:       typeID,
		Kind:         KindOf(typeID),
		MIME:         mt.String(),
		Name:         filepath.Base(f.path),
		Data:         data,
	}
	if f.stagingDir != "" {
		staged, err := stage(f.stagingDir, p.Name, data)
		if err != nil {
			return nil, ioError(f.id, typeID, err)
		}
		p.Path = staged
		p.Temporary = true
	}

	log.Debug().Str("attachment", f.id).Str("type", typeID).Str("mime", p.MIME).Int("size", len(data)).Msg("file attachment read")
	return p, nil
}

// readAll copies r in chunks so cancellation is observed between reads.
func (f *File) readAll(ctx context.Context, r io.Reader, typeID string) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, ctxError(f.id, typeID, err)
		}
		n, err := r.Read(chunk)
		if n > 0 {
			if f.maxSize > 0 && int64(buf.Len()+n) > f.maxSize {
				return nil, ioError(f.id, typeID, fmt.Errorf("%w (%d bytes)", ErrTooLarge, f.maxSize))
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, ioError(f.id, typeID, err)
		}
	}
}

// matchContent rejects media types whose bytes say otherwise.
func matchContent(typeID string, mt *mimetype.MIME) error {
	switch typeID {
	case TypeImage:
		if !strings.HasPrefix(mt.String(), "image/") {
			return fmt.Errorf("%w: declared image, content is %s", ErrUnsupportedType, mt.String())
		}
	case TypeMovie:
		if !strings.HasPrefix(mt.String(), "video/") {
			return fmt.Errorf("%w: declared movie, content is %s", ErrUnsupportedType, mt.String())
		}
	}
	return nil
}

func stage(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	out, err := os.CreateTemp(dir, "share-*-"+name)
	if err != nil {
		return "", err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}
