// Package aggregate folds a window of change events for one entity into a
// single synthetic event.
package aggregate

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"taigabot/internal/taiga"
)

const fieldDescription = "description"

// CommentBuckets maps a comment body to the date of its last event.
type CommentBuckets struct {
	Added   map[string]time.Time `json:"added,omitempty"`
	Changed map[string]time.Time `json:"changed,omitempty"`
	Deleted map[string]time.Time `json:"deleted,omitempty"`
}

func (b *CommentBuckets) Empty() bool {
	return b == nil || len(b.Added)+len(b.Changed)+len(b.Deleted) == 0
}

type DateRange struct {
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// Params are rendering hints produced by Merge next to the merged event.
type Params struct {
	Comments  *CommentBuckets `json:"comments,omitempty"`
	By        string          `json:"by,omitempty"`
	Date      *DateRange      `json:"date,omitempty"`
	NoChanges bool            `json:"no_changes,omitempty"`
}

// Aggregated reports whether p carries any merge output.
func (p Params) Aggregated() bool {
	return p.Comments != nil || p.By != "" || p.Date != nil || p.NoChanges
}

// Merge folds events (one entity, any order) into one event.
//
// A single event is returned unchanged. A delete anywhere in the window
// wins and is returned as is. Otherwise the result is a change event holding
// the latest snapshot and the telescoped diff of the whole window; the
// comment trail, distinct authors, date range and the no-op flag go into
// Params. The input is never modified.
func Merge(events []taiga.Event) (taiga.Event, Params) {
	switch len(events) {
	case 0:
		return taiga.Event{}, Params{NoChanges: true}
	case 1:
		return events[0], Params{}
	}

	sorted := make([]taiga.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	if last := sorted[len(sorted)-1]; last.Action == taiga.ActionDelete {
		return last, Params{}
	}
	if sorted[0].Action == taiga.ActionDelete {
		return sorted[0], Params{}
	}

	m := newMerger(sorted[0])
	for _, ev := range sorted[1:] {
		if ev.Action == taiga.ActionDelete {
			return ev, Params{}
		}
		m.fold(ev)
	}
	return m.result()
}

type merger struct {
	latest   taiga.Event
	diff     taiga.Diff
	comments CommentBuckets

	firstDescription any
	lastDescription  any

	firstDate time.Time
	lastDate  time.Time

	authors []string
	seen    map[int64]struct{}
}

func newMerger(first taiga.Event) *merger {
	m := &merger{
		latest:    first,
		firstDate: first.Date,
		lastDate:  first.Date,
		seen:      map[int64]struct{}{},
		comments: CommentBuckets{
			Added:   map[string]time.Time{},
			Changed: map[string]time.Time{},
			Deleted: map[string]time.Time{},
		},
	}
	if first.Change != nil {
		m.diff = first.Change.Diff.Clone()
	}
	if m.diff.Fields == nil {
		m.diff.Fields = map[string]taiga.FieldChange{}
	}
	if m.diff.Points == nil {
		m.diff.Points = map[string]taiga.FieldChange{}
	}

	// Later description diffs move lastDescription away from the opening
	// snapshot.
	m.firstDescription = first.Data.Description()
	m.lastDescription = m.firstDescription

	m.track(first.By)
	m.foldComment(first)
	return m
}

func (m *merger) track(a taiga.Actor) {
	if _, ok := m.seen[a.ID]; ok {
		return
	}
	m.seen[a.ID] = struct{}{}
	m.authors = append(m.authors, a.Name())
}

func (m *merger) fold(ev taiga.Event) {
	m.track(ev.By)
	m.latest = ev
	m.lastDate = ev.Date
	if ev.Change == nil {
		return
	}
	d := ev.Change.Diff

	for _, name := range d.FieldNames() {
		fc := d.Fields[name]
		if name == fieldDescription {
			if !fc.Empty() {
				m.diff.Fields[name] = fc
				m.lastDescription = fc.To
			}
			continue
		}
		if fc.Changed() {
			telescope(m.diff.Fields, name, fc)
		}
	}
	for role, fc := range d.Points {
		if fc.Changed() {
			telescope(m.diff.Points, role, fc)
		}
	}
	m.foldAttachments(d.Attachments)
	for k, v := range d.Extra {
		if m.diff.Extra == nil {
			m.diff.Extra = map[string]json.RawMessage{}
		}
		m.diff.Extra[k] = v
	}
	m.foldComment(ev)
}

// telescope collapses consecutive transitions of one key: A->B then B->A
// cancels out, A->B then B->C becomes A->C.
func telescope(into map[string]taiga.FieldChange, key string, in taiga.FieldChange) {
	cur, ok := into[key]
	if !ok {
		into[key] = in
		return
	}
	if taiga.Equal(cur.From, in.To) {
		delete(into, key)
		return
	}
	cur.To = in.To
	into[key] = cur
}

func (m *merger) foldAttachments(in *taiga.AttachmentsDiff) {
	if in.Empty() {
		return
	}
	if m.diff.Attachments == nil {
		m.diff.Attachments = &taiga.AttachmentsDiff{}
	}
	agg := m.diff.Attachments

	for _, a := range in.New {
		agg.New = append(agg.New, a.Clone())
	}
	for _, ch := range in.Changed {
		if i := indexByURL(agg.New, ch.URL); i >= 0 {
			applyChanges(&agg.New[i], ch.Changes)
			continue
		}
		if i := indexByURL(agg.Changed, ch.URL); i >= 0 {
			entry := &agg.Changed[i]
			if entry.Changes == nil {
				entry.Changes = map[string]taiga.FieldChange{}
			}
			for f, fc := range ch.Changes {
				telescope(entry.Changes, f, fc)
			}
			applyChanges(entry, ch.Changes)
			if len(entry.Changes) == 0 {
				agg.Changed = append(agg.Changed[:i], agg.Changed[i+1:]...)
			}
			continue
		}
		agg.Changed = append(agg.Changed, ch.Clone())
	}
	for _, del := range in.Deleted {
		agg.New = removeByURL(agg.New, del.URL)
		agg.Changed = removeByURL(agg.Changed, del.URL)
		agg.Deleted = append(agg.Deleted, del.Clone())
	}
}

func applyChanges(a *taiga.Attachment, changes map[string]taiga.FieldChange) {
	for f, fc := range changes {
		switch f {
		case "description":
			a.Description = taiga.FormatValue(fc.To)
		case "is_deprecated":
			v, _ := fc.To.(bool)
			a.IsDeprecated = v
		}
	}
}

func indexByURL(list []taiga.Attachment, url string) int {
	for i, a := range list {
		if a.URL == url {
			return i
		}
	}
	return -1
}

func removeByURL(list []taiga.Attachment, url string) []taiga.Attachment {
	out := list[:0]
	for _, a := range list {
		if a.URL != url {
			out = append(out, a)
		}
	}
	return out
}

func (m *merger) foldComment(ev taiga.Event) {
	c := ev.Change
	body := c.Body()
	if body == "" {
		return
	}
	b := &m.comments
	switch {
	case c.DeleteCommentDate != nil:
		if _, ok := b.Added[body]; ok {
			delete(b.Added, body)
			return
		}
		delete(b.Changed, body)
		b.Deleted[body] = ev.Date
	case c.EditCommentDate != nil:
		wasAdded := false
		for _, v := range c.CommentVersions {
			prev := v.Body()
			if _, ok := b.Added[prev]; ok {
				delete(b.Added, prev)
				wasAdded = true
			}
			delete(b.Changed, prev)
		}
		if _, ok := b.Added[body]; ok {
			wasAdded = true
		}
		if wasAdded {
			b.Added[body] = ev.Date
		} else {
			b.Changed[body] = ev.Date
		}
	default:
		b.Added[body] = ev.Date
	}
}

func (m *merger) result() (taiga.Event, Params) {
	descChanged := !taiga.Equal(m.firstDescription, m.lastDescription)
	if !descChanged {
		delete(m.diff.Fields, fieldDescription)
	}

	var p Params
	if !m.comments.Empty() {
		c := m.comments
		p.Comments = &c
	}
	if len(m.authors) > 1 {
		p.By = strings.Join(m.authors, ", ")
	}
	if descChanged {
		p.Date = &DateRange{First: m.firstDate, Last: m.lastDate}
	}
	if m.diff.Attachments.Empty() {
		m.diff.Attachments = nil
	}
	p.NoChanges = !m.diff.HasChanges() && p.Comments == nil

	out := m.latest
	out.Action = taiga.ActionChange
	out.Change = &taiga.Change{Diff: m.diff}
	return out, p
}
