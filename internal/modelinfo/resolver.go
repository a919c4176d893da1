package modelinfo

import (
	"errors"
	"fmt"
)

// ErrNoModel is returned by [Resolver.Resolve] when no model was requested
// and no default is configured. The gateway rejects the handshake.
var ErrNoModel = errors.New("no llm model requested and no default configured")

// Route is the resolved LLM target for one logical model name.
type Route struct {
	// Model is the id sent to the runtime.
	Model string

	// BaseURL hosts the chat-completions endpoint.
	BaseURL string

	// SystemPrompt, when set, becomes the leading system block of sessions
	// using this route, ahead of any client-supplied prompt.
	SystemPrompt string

	// Overrides are merged verbatim into the request body.
	Overrides map[string]any
}

// Resolver maps logical LLM model names from the handshake to runtime
// routes. Names without a configured route pass through unchanged to the
// default base URL, so clients may address runtime models directly.
type Resolver struct {
	defaultBase  string
	defaultModel string
	routes       map[string]Route
}

// NewResolver builds a resolver. defaultModel is used when the handshake
// carries no llm_model parameter; routes keys are logical names.
func NewResolver(defaultBase, defaultModel string, routes map[string]Route) *Resolver {
	return &Resolver{
		defaultBase:  defaultBase,
		defaultModel: defaultModel,
		routes:       routes,
	}
}

// Resolve turns a logical model name into a concrete route. An empty name
// falls back to the configured default; with no default it returns
// [ErrNoModel]. A resolved route always has a model id and a base URL.
func (r *Resolver) Resolve(name string) (Route, error) {
	if name == "" {
		name = r.defaultModel
	}
	if name == "" {
		return Route{}, ErrNoModel
	}

	route, ok := r.routes[name]
	if !ok {
		route = Route{Model: name}
	}
	if route.Model == "" {
		route.Model = name
	}
	if route.BaseURL == "" {
		route.BaseURL = r.defaultBase
	}
	if route.BaseURL == "" {
		return Route{}, fmt.Errorf("llm model %q has no target url", name)
	}
	return route, nil
}
