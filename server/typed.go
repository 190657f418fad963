package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"
)

// MethodDescriptor describes a registered RPC method for introspection.
// ArgsSchema is only present for methods registered through TypedMethod.
type MethodDescriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	ArgsSchema  *jsonschema.Schema `json:"argsSchema,omitempty"`
}

// ApiDescriptor is the introspection view of one mounted API.
type ApiDescriptor struct {
	Path         string             `json:"path"`
	Methods      []MethodDescriptor `json:"methods"`
	Publications []string           `json:"publications,omitempty"`
	Endpoints    []string           `json:"endpoints,omitempty"`
}

// TypedOption configures a TypedMethod registration.
type TypedOption func(*typedConfig)

type typedConfig struct {
	description     string
	allowUnknownFld bool
}

// WithDescription attaches a human-readable description to the method's
// descriptor.
func WithDescription(d string) TypedOption {
	return func(c *typedConfig) { c.description = d }
}

// WithAllowUnknownFields relaxes argument decoding to ignore fields the
// argument struct does not declare.
func WithAllowUnknownFields() TypedOption {
	return func(c *typedConfig) { c.allowUnknownFld = true }
}

// TypedMethod registers a method whose single argument is decoded into A.
// Callers send one positional argument carrying an object; decoding is
// strict unless WithAllowUnknownFields is given, and a decode failure is
// reported as the call's error. The method's descriptor carries a JSON
// schema reflected from A.
func TypedMethod[A any](api *Api, name string, fn func(ctx context.Context, call *MethodCall, args A) (any, error), opts ...TypedOption) {
	cfg := &typedConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	wrapped := func(ctx context.Context, call *MethodCall) (any, error) {
		var a A
		if len(call.Args) > 0 {
			raw, err := json.Marshal(call.Args[0])
			if err != nil {
				return nil, fmt.Errorf("invalid arguments: %v", err)
			}
			if cfg.allowUnknownFld {
				if err := json.Unmarshal(raw, &a); err != nil {
					return nil, fmt.Errorf("invalid arguments: %v", err)
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(raw))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return nil, fmt.Errorf("invalid arguments: %v", err)
				}
			}
		}
		return fn(ctx, call, a)
	}

	api.mu.Lock()
	api.methods[name] = &method{
		fn: wrapped,
		descriptor: MethodDescriptor{
			Name:        name,
			Description: cfg.description,
			ArgsSchema:  reflectArgsSchema[A](),
		},
	}
	api.mu.Unlock()
}

// reflectArgsSchema reflects A into an inline JSON schema. Reflection from
// a zero-value pointer keeps struct tags authoritative.
func reflectArgsSchema[A any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(A))
}

// Describe returns the API's introspection descriptor.
func (a *Api) Describe() ApiDescriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()

	d := ApiDescriptor{Path: a.path}
	for _, m := range a.methods {
		d.Methods = append(d.Methods, m.descriptor)
	}
	for name := range a.publications {
		d.Publications = append(d.Publications, name)
	}
	for _, ep := range a.endpoints {
		d.Endpoints = append(d.Endpoints, ep.pattern.String())
	}
	sortDescriptor(&d)
	return d
}

func sortDescriptor(d *ApiDescriptor) {
	sort.Slice(d.Methods, func(i, j int) bool { return d.Methods[i].Name < d.Methods[j].Name })
	sort.Strings(d.Publications)
	sort.Strings(d.Endpoints)
}

// NewIntrospectionApi builds an API whose "describe" method returns the
// descriptor of every API mounted on cm. Mount it wherever convenient,
// e.g. "/meta".
func NewIntrospectionApi(cm *ConnectionManager) *Api {
	api := NewApi()
	api.Method("describe", func(ctx context.Context, call *MethodCall) (any, error) {
		cm.mu.RLock()
		entries := make([]apiEntry, len(cm.apis))
		copy(entries, cm.apis)
		cm.mu.RUnlock()

		out := make([]ApiDescriptor, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.api.Describe())
		}
		return out, nil
	})
	return api
}
