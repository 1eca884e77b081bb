// Package attachment wraps the opaque content providers handed to a share
// extension behind a uniform Provider interface.
package attachment

import (
	"context"

	"github.com/google/uuid"
)

// Uniform type identifiers a provider may declare.
const (
	TypeText  = "public.plain-text"
	TypeURL   = "public.url"
	TypeImage = "public.image"
	TypeMovie = "public.movie"
	TypeFile  = "public.file-url"
)

// DefaultPreference is the order in which declared types are chosen when a
// provider can produce more than one.
var DefaultPreference = []string{TypeImage, TypeMovie, TypeFile, TypeURL, TypeText}

// Provider is one piece of shared content that can be materialized on demand.
type Provider interface {
	// ID returns the identity used to de-duplicate attachments.
	ID() string

	// Types returns the declared type identifiers, in the provider's own order.
	Types() []string

	// SupportsType reports whether typeID was declared. It has no side effects.
	SupportsType(typeID string) bool

	// Load produces a payload for typeID. It must return promptly once ctx is
	// done; a cancelled load returns an error matching ErrCancelled.
	Load(ctx context.Context, typeID string) (*Payload, error)
}

// typeSet implements Types and SupportsType for the concrete adapters.
type typeSet struct {
	id    string
	types []string
}

func newTypeSet(id string, types ...string) typeSet {
	if id == "" {
		id = uuid.NewString()
	}
	return typeSet{id: id, types: append([]string(nil), types...)}
}

func (t typeSet) ID() string { return t.id }

func (t typeSet) Types() []string { return append([]string(nil), t.types...) }

func (t typeSet) SupportsType(typeID string) bool {
	for _, declared := range t.types {
		if declared == typeID {
			return true
		}
	}
	return false
}

// PreferredType picks the first entry of preference that p supports, falling
// back to the first type p declares. ok is false when p declares nothing.
func PreferredType(p Provider, preference []string) (typeID string, ok bool) {
	for _, candidate := range preference {
		if p.SupportsType(candidate) {
			return candidate, true
		}
	}
	if declared := p.Types(); len(declared) > 0 {
		return declared[0], true
	}
	return "", false
}

// checkType returns a LoadError when typeID was not declared by p.
func checkType(p Provider, typeID string) error {
	if p.SupportsType(typeID) {
		return nil
	}
	return &LoadError{AttachmentID: p.ID(), TypeID: typeID, Err: ErrUnsupportedType}
}
