package attachment

import (
	"context"
	"net/url"
	"strings"
)

// Text is an inline plain-text provider. Text that parses as an absolute URL
// also declares TypeURL.
type Text struct {
	typeSet
	text string
}

// NewText creates a text provider. An empty id gets a generated identity.
func NewText(id, text string) *Text {
	types := []string{TypeText}
	if _, ok := absoluteURL(text); ok {
		types = append(types, TypeURL)
	}
	return &Text{typeSet: newTypeSet(id, types...), text: text}
}

// Load implements Provider.
func (t *Text) Load(ctx context.Context, typeID string) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(t.id, typeID, err)
	}
	if err := checkType(t, typeID); err != nil {
		return nil, err
	}

	p := &Payload{AttachmentID: t.id, TypeID: typeID, Kind: KindOf(typeID), MIME: "text/plain; charset=utf-8", Text: t.text}
	if typeID == TypeURL {
		u, _ := absoluteURL(t.text)
		p.URL = u
		p.MIME = ""
	}
	return p, nil
}

func absoluteURL(s string) (*url.URL, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \n\t") {
		return nil, false
	}
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, false
	}
	return u, true
}
