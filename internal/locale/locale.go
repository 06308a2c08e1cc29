// Package locale renders user-facing strings from embedded YAML catalogs.
//
// A catalog maps a dotted key to a text/template body. Values are inserted
// verbatim, so callers escape them for the target markup. Lookups fall back to
// the default language and finally to the key itself, so a missing string
// never breaks a message.
package locale

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"text/template"

	"go.yaml.in/yaml/v3"
)

//go:embed locales/*.yaml
var catalogFS embed.FS

const DefaultLanguage = "en"

// Catalog is immutable after Load and safe for concurrent use.
type Catalog struct {
	def   string
	langs map[string]map[string]*template.Template
}

// Load parses every embedded catalog. defaultLang must be one of them.
func Load(defaultLang string) (*Catalog, error) {
	return LoadFS(catalogFS, "locales", defaultLang)
}

// LoadFS parses <dir>/<lang>.yaml files from fsys.
func LoadFS(fsys fs.FS, dir, defaultLang string) (*Catalog, error) {
	if defaultLang == "" {
		defaultLang = DefaultLanguage
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	c := &Catalog{def: defaultLang, langs: map[string]map[string]*template.Template{}}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".yaml" {
			continue
		}
		lang := strings.TrimSuffix(e.Name(), ".yaml")
		b, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var raw map[string]any
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("locale %s: %w", lang, err)
		}
		flat := map[string]string{}
		flatten("", raw, flat)

		tpls := make(map[string]*template.Template, len(flat))
		for k, body := range flat {
			t, err := template.New(k).Option("missingkey=zero").Parse(body)
			if err != nil {
				return nil, fmt.Errorf("locale %s key %s: %w", lang, k, err)
			}
			tpls[k] = t
		}
		c.langs[lang] = tpls
	}
	if _, ok := c.langs[defaultLang]; !ok {
		return nil, fmt.Errorf("default language %q has no catalog", defaultLang)
	}
	return c, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch x := v.(type) {
		case map[string]any:
			flatten(key, x, out)
		case string:
			out[key] = x
		case nil:
		default:
			out[key] = fmt.Sprint(x)
		}
	}
}

// Languages lists loaded catalogs in sorted order.
func (c *Catalog) Languages() []string {
	out := make([]string, 0, len(c.langs))
	for l := range c.langs {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Default() string { return c.def }

func (c *Catalog) lookup(lang, key string) *template.Template {
	if t, ok := c.langs[lang][key]; ok {
		return t
	}
	if t, ok := c.langs[c.def][key]; ok {
		return t
	}
	return nil
}

// Has reports whether key resolves in lang or the default language.
func (c *Catalog) Has(lang, key string) bool { return c.lookup(lang, key) != nil }

// Text renders key for lang with data. Unknown keys render as the key.
func (c *Catalog) Text(lang, key string, data any) string {
	t := c.lookup(lang, key)
	if t == nil {
		return key
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return key
	}
	return buf.String()
}
