package provider

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Endpoint describes one provider API call. Placeholders in Path are written
// as {name} and are bound explicitly through Params when the URL is built.
type Endpoint struct {
	Name   string
	Method string
	Path   string
	// Query holds fixed query parameters sent with every call.
	Query url.Values
}

// Params binds Endpoint placeholders to values.
type Params map[string]string

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// Placeholders lists the parameter names the endpoint requires.
func (e Endpoint) Placeholders() []string {
	matches := placeholderRe.FindAllStringSubmatch(e.Path, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// URL resolves the endpoint against base. Every placeholder must be bound and
// every bound parameter must be used. Values are escaped segment by segment so
// that item paths keep their slashes.
func (e Endpoint) URL(base string, params Params, query url.Values) (*url.URL, error) {
	used := make(map[string]bool, len(params))
	var missing []string

	path := placeholderRe.ReplaceAllStringFunc(e.Path, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		used[name] = true
		return escapeSegments(v)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("endpoint %s: missing parameters %s", e.Name, strings.Join(missing, ", "))
	}
	for name := range params {
		if !used[name] {
			return nil, fmt.Errorf("endpoint %s: unknown parameter %q", e.Name, name)
		}
	}

	u, err := url.Parse(strings.TrimSuffix(base, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", e.Name, err)
	}

	q := u.Query()
	for k, vs := range e.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u, nil
}

func escapeSegments(v string) string {
	parts := strings.Split(v, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
