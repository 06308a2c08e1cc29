package webhook

import (
	"html"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	xhtml "golang.org/x/net/html"

	"taigabot/internal/aggregate"
	"taigabot/internal/locale"
	"taigabot/internal/taiga"
)

const (
	dateLayout     = "02.01.2006 15:04"
	maxCommentRune = 600
)

// Renderer turns an event and its merge hints into Telegram HTML.
type Renderer struct {
	cat *locale.Catalog
	loc *time.Location
}

// NewRenderer formats dates in loc (UTC when nil).
func NewRenderer(cat *locale.Catalog, loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{cat: cat, loc: loc}
}

type renderCtx struct {
	r    *Renderer
	lang string
	b    strings.Builder
}

func (c *renderCtx) text(key string, data any) string { return c.r.cat.Text(c.lang, key, data) }

func (c *renderCtx) line(s string) {
	if s == "" {
		return
	}
	if c.b.Len() > 0 {
		c.b.WriteByte('\n')
	}
	c.b.WriteString(s)
}

func (r *Renderer) Render(ev taiga.Event, p aggregate.Params, tgt Target) string {
	lang := tgt.Instance.Language
	if lang == "" {
		lang = r.cat.Default()
	}
	c := &renderCtx{r: r, lang: lang}

	actor := html.EscapeString(ev.By.Name())
	if ev.Action == taiga.ActionTest || ev.Type == taiga.Test {
		c.line(c.text("event.test", map[string]any{"Actor": actor}))
		return c.b.String()
	}

	c.line(c.text("event."+string(ev.Action), map[string]any{
		"Entity":  c.text("entity."+string(ev.Type), nil),
		"Subject": c.subject(ev),
		"Actor":   actor,
	}))
	if name := projectName(ev, tgt); name != "" {
		c.line(c.text("project", map[string]any{"Project": html.EscapeString(name)}))
	}
	if ev.Action != taiga.ActionChange || ev.Change == nil {
		return c.b.String()
	}

	c.fields(ev.Change.Diff)
	c.points(ev.Change.Diff.Points)
	c.attachments(ev.Change.Diff.Attachments)
	c.comments(ev, p.Comments)

	if p.By != "" {
		c.line(c.text("aggregated.by", map[string]any{"By": html.EscapeString(p.By)}))
	}
	if p.Date != nil {
		c.line(c.text("aggregated.period", map[string]any{
			"First": p.Date.First.In(r.loc).Format(dateLayout),
			"Last":  p.Date.Last.In(r.loc).Format(dateLayout),
		}))
	}
	return c.b.String()
}

func projectName(ev taiga.Event, tgt Target) string {
	if tgt.Project.Name != "" {
		return tgt.Project.Name
	}
	return ev.Data.Project().Name
}

func (c *renderCtx) subject(ev taiga.Event) string {
	title := html.EscapeString(ev.Data.Title())
	link := ev.Data.Permalink()
	switch {
	case link == "":
		return c.text("subject.nolink", map[string]any{"Title": title})
	case ev.Data.Ref() > 0:
		return c.text("subject.ref", map[string]any{
			"Link":  html.EscapeString(link),
			"Ref":   strconv.FormatInt(ev.Data.Ref(), 10),
			"Title": title,
		})
	default:
		return c.text("subject.plain", map[string]any{"Link": html.EscapeString(link), "Title": title})
	}
}

func (c *renderCtx) fieldName(name string) string {
	key := "field.names." + name
	if c.r.cat.Has(c.lang, key) {
		return c.text(key, nil)
	}
	return html.EscapeString(strings.ReplaceAll(name, "_", " "))
}

func (c *renderCtx) value(v any) string {
	switch x := v.(type) {
	case nil:
		return c.text("value.empty", nil)
	case bool:
		return c.text("value."+strconv.FormatBool(x), nil)
	}
	s := taiga.FormatValue(v)
	if s == "" {
		return c.text("value.empty", nil)
	}
	return html.EscapeString(s)
}

func blank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok && s == "" {
		return true
	}
	if a, ok := v.([]any); ok && len(a) == 0 {
		return true
	}
	return false
}

func (c *renderCtx) fields(d taiga.Diff) {
	for _, name := range d.FieldNames() {
		fc := d.Fields[name]
		if !fc.Changed() {
			continue
		}
		if name == "description" || name == "description_diff" || name == "content" {
			c.line(c.text("field.description", nil))
			continue
		}
		data := map[string]any{"Field": c.fieldName(name), "From": c.value(fc.From), "To": c.value(fc.To)}
		switch {
		case blank(fc.To):
			c.line(c.text("field.cleared", data))
		case blank(fc.From):
			c.line(c.text("field.set", data))
		default:
			c.line(c.text("field.line", data))
		}
	}
}

func (c *renderCtx) points(pts map[string]taiga.FieldChange) {
	roles := make([]string, 0, len(pts))
	for k := range pts {
		roles = append(roles, k)
	}
	sort.Strings(roles)
	for _, role := range roles {
		fc := pts[role]
		if !fc.Changed() {
			continue
		}
		c.line(c.text("field.points", map[string]any{
			"Role": html.EscapeString(role),
			"From": c.value(fc.From),
			"To":   c.value(fc.To),
		}))
	}
}

func (c *renderCtx) attachments(a *taiga.AttachmentsDiff) {
	if a.Empty() {
		return
	}
	emit := func(key string, list []taiga.Attachment) {
		for _, at := range list {
			name := at.Filename
			if name == "" {
				name = at.URL
			}
			s := c.text(key, map[string]any{"Name": html.EscapeString(name)})
			if at.IsDeprecated {
				s += c.text("attachments.deprecated", nil)
			}
			c.line(s)
		}
	}
	emit("attachments.new", a.New)
	emit("attachments.changed", a.Changed)
	emit("attachments.deleted", a.Deleted)
}

func (c *renderCtx) comments(ev taiga.Event, b *aggregate.CommentBuckets) {
	if b == nil {
		if !ev.HasComment() {
			return
		}
		body := ev.Change.Body()
		switch {
		case ev.Change.DeleteCommentDate != nil:
			b = &aggregate.CommentBuckets{Deleted: map[string]time.Time{body: ev.Date}}
		case ev.Change.EditCommentDate != nil:
			b = &aggregate.CommentBuckets{Changed: map[string]time.Time{body: ev.Date}}
		default:
			b = &aggregate.CommentBuckets{Added: map[string]time.Time{body: ev.Date}}
		}
	}
	c.bucket("comments.added", b.Added)
	c.bucket("comments.changed", b.Changed)
	c.bucket("comments.deleted", b.Deleted)
}

func (c *renderCtx) bucket(key string, m map[string]time.Time) {
	bodies := make([]string, 0, len(m))
	for body := range m {
		bodies = append(bodies, body)
	}
	sort.Slice(bodies, func(i, j int) bool {
		if !m[bodies[i]].Equal(m[bodies[j]]) {
			return m[bodies[i]].Before(m[bodies[j]])
		}
		return bodies[i] < bodies[j]
	})
	for _, body := range bodies {
		text := plainText(body)
		if text == "" {
			continue
		}
		c.line(c.text(key, map[string]any{"Body": html.EscapeString(truncate(text, maxCommentRune))}))
	}
}

// plainText drops markup from a comment body and collapses whitespace.
func plainText(s string) string {
	if !strings.ContainsRune(s, '<') {
		return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
	}
	var b strings.Builder
	z := xhtml.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case xhtml.TextToken:
			b.Write(z.Text())
		case xhtml.StartTagToken, xhtml.EndTagToken, xhtml.SelfClosingTagToken:
			// Block boundaries still separate words.
			b.WriteByte(' ')
		}
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
