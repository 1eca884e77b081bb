package outbox

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/toolink/share/attachment"
)

// ErrInvalidEnvelope is returned for envelopes missing an id or session.
var ErrInvalidEnvelope = errors.New("outbox: invalid envelope")

// Envelope is one confirmed share handed to the messaging transport.
type Envelope struct {
	ID          string    `json:"id"`
	Session     string    `json:"session"`
	Destination string    `json:"destination,omitempty"`
	Items       []Item    `json:"items"`
	CreatedAt   time.Time `json:"created_at"`
}

// Item groups the entries of one shared item.
type Item struct {
	Title   string  `json:"title,omitempty"`
	Entries []Entry `json:"entries"`
}

// Entry is the transport form of a loaded payload. Staged files are inlined
// so the entry stays valid after the payload is released.
type Entry struct {
	Attachment string `json:"attachment"`
	Type       string `json:"type"`
	Kind       string `json:"kind"`
	MIME       string `json:"mime,omitempty"`
	Name       string `json:"name,omitempty"`
	Text       string `json:"text,omitempty"`
	URL        string `json:"url,omitempty"`
	Data       []byte `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with a fresh id.
func NewEnvelope(session, destination string, items ...Item) *Envelope {
	return &Envelope{
		ID:          uuid.NewString(),
		Session:     session,
		Destination: destination,
		Items:       items,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewItem converts payloads into an envelope item.
func NewItem(title string, payloads ...*attachment.Payload) (Item, error) {
	item := Item{Title: title, Entries: make([]Entry, 0, len(payloads))}
	for _, p := range payloads {
		e, err := NewEntry(p)
		if err != nil {
			return Item{}, err
		}
		item.Entries = append(item.Entries, e)
	}
	return item, nil
}

// NewEntry copies p into an Entry, reading a file-backed payload into Data.
func NewEntry(p *attachment.Payload) (Entry, error) {
	if p == nil {
		return Entry{}, fmt.Errorf("%w: nil payload", ErrInvalidEnvelope)
	}
	e := Entry{
		Attachment: p.AttachmentID,
		Type:       p.TypeID,
		Kind:       string(p.Kind),
		MIME:       p.MIME,
		Name:       p.Name,
		Text:       p.Text,
		Data:       p.Data,
	}
	if p.URL != nil {
		e.URL = p.URL.String()
	}
	if len(e.Data) == 0 && p.Path != "" {
		data, err := os.ReadFile(p.Path)
		if err != nil {
			return Entry{}, fmt.Errorf("read staged payload %s: %w", p.AttachmentID, err)
		}
		e.Data = data
	}
	return e, nil
}

// Validate checks the fields the transport relies on.
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil", ErrInvalidEnvelope)
	case e.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidEnvelope)
	case e.Session == "":
		return fmt.Errorf("%w: empty session", ErrInvalidEnvelope)
	}
	return nil
}

// Count returns the number of entries across items.
func (e *Envelope) Count() int {
	n := 0
	for _, item := range e.Items {
		n += len(item.Entries)
	}
	return n
}
