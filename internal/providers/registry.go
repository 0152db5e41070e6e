// Package providers resolves a configured Provider to the transform.Transformer that speaks its
// wire protocol. It keeps the teacher's domain-inference registry shape, but maps to the
// Transformer contract (internal/transform) rather than the teacher's Transform/TransformStream
// provider interface, since every provider this router talks to is either Gemini-native or
// OpenAI-compatible.
package providers

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/relaymux/llmrelay/internal/config"
	"github.com/relaymux/llmrelay/internal/transform"
	"github.com/relaymux/llmrelay/internal/transform/gemini"
	"github.com/relaymux/llmrelay/internal/transform/openai"
)

// domainKindMap infers a Provider.Kind from its api_base_url hostname when Kind is left unset in
// config. Self-hosted OpenAI-compatible endpoints won't match anything here; those must set
// Kind explicitly.
var domainKindMap = map[string]string{
	"generativelanguage.googleapis.com": config.KindGemini,
	"googleapis.com":                    config.KindGemini,
	"api.openai.com":                    config.KindOpenAI,
	"openai.com":                        config.KindOpenAI,
	"openrouter.ai":                     config.KindOpenAI,
	"api.openrouter.ai":                 config.KindOpenAI,
	"integrate.api.nvidia.com":          config.KindOpenAI,
	"api.nvidia.com":                    config.KindOpenAI,
}

// Registry resolves a config.Provider to the transform.Transformer implementation for its Kind.
type Registry struct {
	transformers map[string]transform.Transformer
}

// NewRegistry constructs a Registry wired with the two built-in Transformers.
func NewRegistry() *Registry {
	r := &Registry{transformers: make(map[string]transform.Transformer)}
	r.Register(gemini.New())
	r.Register(openai.New())
	return r
}

// Register adds a Transformer, keyed by its Name().
func (r *Registry) Register(t transform.Transformer) {
	r.transformers[t.Name()] = t
}

// Get retrieves a Transformer by Kind/Name ("gemini", "openai").
func (r *Registry) Get(kind string) (transform.Transformer, bool) {
	t, ok := r.transformers[kind]
	return t, ok
}

// Resolve returns the Transformer for p: p.Kind if set, otherwise inferred from p.APIBase's
// hostname.
func (r *Registry) Resolve(p config.Provider) (transform.Transformer, error) {
	kind := p.Kind
	if kind == "" {
		inferred, err := kindFromDomain(p.APIBase)
		if err != nil {
			return nil, err
		}
		kind = inferred
	}

	t, ok := r.Get(kind)
	if !ok {
		return nil, fmt.Errorf("providers: no transformer registered for kind %q", kind)
	}
	return t, nil
}

func kindFromDomain(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("providers: invalid api_base_url %q: %w", apiBase, err)
	}

	domain := strings.ToLower(u.Hostname())
	if kind, ok := domainKindMap[domain]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("providers: cannot infer kind for domain %q, set Provider.Kind explicitly", domain)
}

// List returns the registered transformer names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.transformers))
	for name := range r.transformers {
		names = append(names, name)
	}
	return names
}
