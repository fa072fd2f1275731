package variant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetUnknownFallsBackToVanilla(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{"", "nope", "Vanilla"} {
		v := r.Get(name)
		assert.Equal(t, Vanilla, v.Name, "lookup %q", name)
		assert.NotEmpty(t, v.PromptTemplate)
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(Variant{
		Name:           "concise",
		PromptTemplate: "Q: %QUESTION%\nC: %CONTEXT%\nBe brief.",
		MaxContexts:    3,
	})

	v := r.Get("concise")
	assert.Equal(t, "concise", v.Name)
	assert.Equal(t, 3, v.MaxContexts)
}

func TestBrokenVariantFallsBackToVanilla(t *testing.T) {
	r := NewRegistry()
	r.Register(Variant{Name: "broken"}) // no template

	v := r.Get("broken")
	assert.Equal(t, Vanilla, v.Name)
}

func TestVanillaCannotBeOverwritten(t *testing.T) {
	r := NewRegistry()
	r.Register(Variant{Name: Vanilla, PromptTemplate: "hijacked"})

	v := r.Get(Vanilla)
	assert.NotEqual(t, "hijacked", v.PromptTemplate)
}

func TestRender(t *testing.T) {
	v := Variant{PromptTemplate: "Q=%QUESTION% C=%CONTEXT%"}
	out := v.Render("what?", []string{"a", "b"})
	assert.Equal(t, "Q=what? C=a\n\nb", out)
}
