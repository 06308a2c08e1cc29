package taiga

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
)

// FieldChange is one {from, to} diff entry.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Changed reports whether the entry moves the field to a different value.
func (c FieldChange) Changed() bool { return !Equal(c.From, c.To) }

// Empty reports whether both sides are null.
func (c FieldChange) Empty() bool { return c.From == nil && c.To == nil }

// UnmarshalJSON accepts {"from":..,"to":..} and the [from, to] pair form
// Taiga uses inside attachment changes.
func (c *FieldChange) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var pair []any
		if err := json.Unmarshal(b, &pair); err != nil {
			return err
		}
		*c = FieldChange{}
		if len(pair) > 0 {
			c.From = pair[0]
		}
		if len(pair) > 1 {
			c.To = pair[1]
		}
		return nil
	}
	type plain FieldChange
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = FieldChange(p)
	return nil
}

// Equal compares decoded JSON values structurally.
func Equal(a, b any) bool { return reflect.DeepEqual(a, b) }

type Attachment struct {
	ID           int64                  `json:"id,omitempty"`
	Filename     string                 `json:"filename,omitempty"`
	URL          string                 `json:"url"`
	ThumbURL     string                 `json:"thumb_url,omitempty"`
	Description  string                 `json:"description,omitempty"`
	IsDeprecated bool                   `json:"is_deprecated,omitempty"`
	Changes      map[string]FieldChange `json:"changes,omitempty"`
}

// Clone returns a copy that shares no maps with a.
func (a Attachment) Clone() Attachment {
	out := a
	out.Changes = cloneChanges(a.Changes)
	return out
}

type AttachmentsDiff struct {
	New     []Attachment `json:"new"`
	Changed []Attachment `json:"changed"`
	Deleted []Attachment `json:"deleted"`
}

func (a *AttachmentsDiff) Empty() bool {
	return a == nil || len(a.New)+len(a.Changed)+len(a.Deleted) == 0
}

func (a *AttachmentsDiff) Clone() *AttachmentsDiff {
	if a == nil {
		return nil
	}
	return &AttachmentsDiff{
		New:     cloneAttachments(a.New),
		Changed: cloneAttachments(a.Changed),
		Deleted: cloneAttachments(a.Deleted),
	}
}

// Diff is the set of field-level changes carried by a change event.
//
// Plain fields land in Fields, the per-role points map in Points, the
// attachments section in Attachments. Anything that is not a {from, to}
// object is preserved verbatim in Extra.
type Diff struct {
	Fields      map[string]FieldChange
	Points      map[string]FieldChange
	Attachments *AttachmentsDiff
	Extra       map[string]json.RawMessage
}

const (
	keyPoints      = "points"
	keyAttachments = "attachments"
)

// HasChanges reports whether any entry in d is non-empty.
func (d Diff) HasChanges() bool {
	for _, fc := range d.Fields {
		if !fc.Empty() {
			return true
		}
	}
	for _, fc := range d.Points {
		if !fc.Empty() {
			return true
		}
	}
	return !d.Attachments.Empty()
}

// FieldNames returns the changed field names in a stable order.
func (d Diff) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (d Diff) Clone() Diff {
	out := Diff{
		Fields:      cloneChanges(d.Fields),
		Points:      cloneChanges(d.Points),
		Attachments: d.Attachments.Clone(),
	}
	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

func (d Diff) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Fields)+len(d.Extra)+2)
	for k, v := range d.Extra {
		m[k] = v
	}
	for k, v := range d.Fields {
		m[k] = v
	}
	if len(d.Points) > 0 {
		m[keyPoints] = d.Points
	}
	if d.Attachments != nil {
		m[keyAttachments] = d.Attachments
	}
	return json.Marshal(m)
}

func (d *Diff) UnmarshalJSON(b []byte) error {
	*d = Diff{}
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		switch k {
		case keyPoints:
			var pts map[string]FieldChange
			if err := json.Unmarshal(v, &pts); err == nil {
				if len(pts) > 0 {
					d.Points = pts
				}
				continue
			}
		case keyAttachments:
			var att AttachmentsDiff
			if err := json.Unmarshal(v, &att); err == nil {
				d.Attachments = &att
				continue
			}
		default:
			if fc, ok := decodeFieldChange(v); ok {
				if d.Fields == nil {
					d.Fields = map[string]FieldChange{}
				}
				d.Fields[k] = fc
				continue
			}
		}
		if d.Extra == nil {
			d.Extra = map[string]json.RawMessage{}
		}
		d.Extra[k] = v
	}
	return nil
}

func decodeFieldChange(v json.RawMessage) (FieldChange, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(v, &probe); err != nil {
		return FieldChange{}, false
	}
	_, hasFrom := probe["from"]
	_, hasTo := probe["to"]
	if !hasFrom && !hasTo {
		return FieldChange{}, false
	}
	var fc FieldChange
	if err := json.Unmarshal(v, &fc); err != nil {
		return FieldChange{}, false
	}
	return fc, true
}

func cloneChanges(m map[string]FieldChange) map[string]FieldChange {
	if m == nil {
		return nil
	}
	out := make(map[string]FieldChange, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAttachments(in []Attachment) []Attachment {
	if in == nil {
		return nil
	}
	out := make([]Attachment, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
