// Package variant provides named twin behavior variants: a prompt template
// plus retrieval knobs. Lookup is total — an unknown or misconfigured name
// resolves to the vanilla variant, so a broken variant setting can never
// fail retrieval.
package variant

import (
	"strings"
	"sync"
)

// Vanilla is the guaranteed-present default variant name.
const Vanilla = "vanilla"

// Variant is one named twin behavior profile.
type Variant struct {
	// Name identifies the variant in twin settings.
	Name string

	// PromptTemplate frames the grounded contexts for answer synthesis.
	// %QUESTION% and %CONTEXT% are substituted at render time.
	PromptTemplate string

	// MaxContexts overrides the orchestrator's context cap when > 0.
	MaxContexts int

	// RewriteQueries toggles conversational query rewriting.
	RewriteQueries bool
}

// Render substitutes the question and joined contexts into the template.
func (v Variant) Render(question string, contexts []string) string {
	prompt := strings.Replace(v.PromptTemplate, "%CONTEXT%", strings.Join(contexts, "\n\n"), 1)
	return strings.Replace(prompt, "%QUESTION%", question, 1)
}

var vanillaVariant = Variant{
	Name: Vanilla,
	PromptTemplate: `Answer the question using only the context below. If the context does not contain the answer, say you are not certain.

Context:
%CONTEXT%

Question: %QUESTION%

Answer:`,
	RewriteQueries: true,
}

// Registry holds the variants available to a deployment. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	variants map[string]Variant
}

// NewRegistry creates a registry seeded with the vanilla variant.
func NewRegistry() *Registry {
	return &Registry{
		variants: map[string]Variant{Vanilla: vanillaVariant},
	}
}

// Register adds or replaces a variant. Registering under the vanilla name
// is ignored so the fallback stays intact.
func (r *Registry) Register(v Variant) {
	if v.Name == "" || v.Name == Vanilla {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[v.Name] = v
}

// Get resolves a variant by name. Unknown or empty names, and variants
// registered without a usable template, resolve to vanilla.
func (r *Registry) Get(name string) Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.variants[name]
	if !ok || v.PromptTemplate == "" {
		return r.variants[Vanilla]
	}
	return v
}

// Names lists the registered variant names, vanilla included.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.variants))
	for name := range r.variants {
		names = append(names, name)
	}
	return names
}
