package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// defaultPreviewLimit caps remote preview downloads.
const defaultPreviewLimit = 10 << 20

// URLOption configures a URL provider.
type URLOption func(*URL)

// WithHTTPClient sets the client used for remote previews.
func WithHTTPClient(c *http.Client) URLOption {
	return func(u *URL) {
		if c != nil {
			u.client = c
		}
	}
}

// WithPreview declares TypeImage; loading it fetches the remote resource.
func WithPreview() URLOption {
	return func(u *URL) {
		if !u.SupportsType(TypeImage) {
			u.types = append(u.types, TypeImage)
		}
	}
}

// WithPreviewLimit caps the preview download size in bytes.
func WithPreviewLimit(n int64) URLOption {
	return func(u *URL) {
		if n > 0 {
			u.limit = n
		}
	}
}

// URL provides a shared link, optionally with a remote image preview.
type URL struct {
	typeSet
	target *url.URL
	client *http.Client
	limit  int64
}

// NewURL creates a link provider. raw must be an absolute URL.
func NewURL(id, raw string, opts ...URLOption) (*URL, error) {
	target, ok := absoluteURL(raw)
	if !ok {
		return nil, fmt.Errorf("attachment: invalid link %q", raw)
	}
	u := &URL{
		typeSet: newTypeSet(id, TypeURL),
		target:  target,
		client:  http.DefaultClient,
		limit:   defaultPreviewLimit,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Load implements Provider.
func (u *URL) Load(ctx context.Context, typeID string) (*Payload, error) {
	if err := checkType(u, typeID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, ctxError(u.id, typeID, err)
	}

	if typeID == TypeURL {
		link := *u.target
		return &Payload{AttachmentID: u.id, TypeID: typeID, Kind: KindURL, URL: &link, Text: link.String()}, nil
	}
	return u.fetchPreview(ctx, typeID)
}

func (u *URL) fetchPreview(ctx context.Context, typeID string) (*Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.target.String(), nil)
	if err != nil {
		return nil, ioError(u.id, typeID, err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(u.id, typeID, ctx.Err())
		}
		return nil, ioError(u.id, typeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ioError(u.id, typeID, fmt.Errorf("preview fetch returned %s", resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, u.limit+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(u.id, typeID, ctx.Err())
		}
		return nil, ioError(u.id, typeID, err)
	}
	if int64(len(data)) > u.limit {
		return nil, ioError(u.id, typeID, fmt.Errorf("%w (%d bytes)", ErrTooLarge, u.limit))
	}

	mt := mimetype.Detect(data)
	if err := matchContent(typeID, mt); err != nil {
		return nil, &LoadError{AttachmentID: u.id, TypeID: typeID, Err: err}
	}

	link := *u.target
	log.Debug().Str("attachment", u.id).Str("url", link.Redacted()).Str("mime", mt.String()).Int("size", len(data)).Msg("remote preview fetched")
	return &Payload{
		AttachmentID: u.id,
		TypeID:       typeID,
		Kind:         KindOf(typeID),
		MIME:         mt.String(),
		Name:         previewName(&link),
		URL:          &link,
		Data:         data,
	}, nil
}

func previewName(u *url.URL) string {
	p := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	if p == "" {
		return u.Host
	}
	return p
}

// isContextErr is used by callers that need to tell cancellation from failure.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
