package config

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// View is an immutable, structured, dotted-path queryable snapshot of the
// loaded configuration, returned by Load beside the typed Config. The
// built-in plugins do not read through it: they read their settings from
// the typed Config's open-ended maps (PluginConfig.Config and
// ClientConfig.Settings).
type View struct {
	raw map[string]any
}

func newView(v *viper.Viper) (*View, error) {
	return &View{raw: v.AllSettings()}, nil
}

// NewViewFromMap builds a View directly from a decoded map, for tests and
// for plugin-local settings sub-trees (e.g. a client's Settings field).
func NewViewFromMap(m map[string]any) *View {
	return &View{raw: m}
}

// Get resolves a dotted path (e.g. "aoai.mock_response.delay_ms") against the
// snapshot. The second return is false if any segment is missing.
func (v *View) Get(path string) (any, bool) {
	if v == nil {
		return nil, false
	}
	cur := any(v.raw)
	for _, seg := range strings.Split(path, ".") {
		m, ok := asStringMap(cur)
		if !ok {
			return nil, false
		}
		val, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = val
	}
	return cur, true
}

// GetString resolves path as a string, returning "" if absent or not a string.
func (v *View) GetString(path string) string {
	val, ok := v.Get(path)
	if !ok {
		return ""
	}
	s, _ := val.(string)
	return s
}

// GetFloat resolves path as a float64, accepting ints/strings too.
func (v *View) GetFloat(path string) (float64, bool) {
	val, ok := v.Get(path)
	if !ok {
		return 0, false
	}
	switch t := val.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// GetStringSlice resolves path as a list of strings. It also accepts a
// single comma-separated string, the convention used for settings like
// deployments_allowed.
func (v *View) GetStringSlice(path string) ([]string, bool) {
	val, ok := v.Get(path)
	if !ok {
		return nil, false
	}
	switch t := val.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	case string:
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, true
	default:
		return nil, false
	}
}

// Sub returns a View scoped to path's subtree, or nil if absent / not a map.
func (v *View) Sub(path string) *View {
	val, ok := v.Get(path)
	if !ok {
		return nil
	}
	m, ok := asStringMap(val)
	if !ok {
		return nil
	}
	return &View{raw: m}
}

func asStringMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}
