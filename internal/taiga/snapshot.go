package taiga

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Snapshot is the full current-state projection of an entity. Its shape
// depends on the entity type, so it stays a generic JSON object with typed
// accessors for the fields the bot renders.
type Snapshot map[string]any

func (s Snapshot) ID() int64 { return asInt64(s["id"]) }

func (s Snapshot) Ref() int64 { return asInt64(s["ref"]) }

// Title returns the human label: subject, name, title or slug.
func (s Snapshot) Title() string {
	for _, k := range []string{"subject", "name", "title", "slug"} {
		if v, ok := s[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Description is the raw description value (string or nil).
func (s Snapshot) Description() any { return s["description"] }

func (s Snapshot) Permalink() string {
	v, _ := s["permalink"].(string)
	return v
}

func (s Snapshot) Status() string {
	m, _ := s["status"].(map[string]any)
	v, _ := m["name"].(string)
	return v
}

type ProjectRef struct {
	ID        int64
	Name      string
	Permalink string
}

func (s Snapshot) Project() ProjectRef {
	m, _ := s["project"].(map[string]any)
	if m == nil {
		return ProjectRef{}
	}
	name, _ := m["name"].(string)
	link, _ := m["permalink"].(string)
	return ProjectRef{ID: asInt64(m["id"]), Name: name, Permalink: link}
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case json.Number:
		n, _ := x.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

// FormatValue renders a diff value as plain text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any:
		out := ""
		for i, it := range x {
			if i > 0 {
				out += ", "
			}
			out += FormatValue(it)
		}
		return out
	default:
		return fmt.Sprint(x)
	}
}
