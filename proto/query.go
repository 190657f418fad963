package proto

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Values holds the value(s) of one query key. A key that appears once
// serializes as a bare string; a repeated key serializes as a list. This
// mirrors the envelope's "string or list of strings" contract.
type Values []string

// First returns the first value or "".
func (v Values) First() string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// MarshalJSON emits a single string for one value and an array otherwise.
func (v Values) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]string(v))
}

// UnmarshalJSON accepts either a string or an array of strings.
func (v *Values) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Values{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("query value must be a string or list of strings: %w", err)
	}
	*v = Values(list)
	return nil
}

// Query maps query-parameter keys to their values. Repeated keys collapse
// into a list, in order of appearance.
type Query map[string]Values

// Get returns the first value for key, or "".
func (q Query) Get(key string) string { return q[key].First() }

// Set replaces any existing values for key with a single value.
func (q Query) Set(key, value string) { q[key] = Values{value} }

// Add appends a value for key.
func (q Query) Add(key, value string) { q[key] = append(q[key], value) }

// SplitURI separates a request URI into its path and parsed query. The URI
// may be absolute ("http://host/a/b?x=1"), host-relative ("/a/b?x=1"), or a
// bare path. The returned path never contains the query string.
func SplitURI(uri string) (string, Query, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", nil, fmt.Errorf("parse request uri %q: %w", uri, err)
	}
	path := u.Path
	if path == "" {
		path = uri
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
	}
	q := Query{}
	for key, vals := range u.Query() {
		for _, val := range vals {
			q.Add(key, val)
		}
	}
	if len(q) == 0 {
		q = nil
	}
	return path, q, nil
}
