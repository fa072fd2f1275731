package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubGenerator struct {
	response string
	err      error
	called   bool
}

func (s *stubGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	s.called = true
	return s.response, s.err
}

func (s *stubGenerator) GetModel() string { return "stub" }

func TestRewriteResolvesFollowUp(t *testing.T) {
	gen := &stubGenerator{response: "What is Acme Fund's minimum check size?"}
	r := NewRewriter(gen, nil)

	out := r.Rewrite(context.Background(), "what about their minimum?",
		[]string{"user: tell me about Acme Fund", "twin: Acme Fund invests in seed rounds."})
	assert.Equal(t, "What is Acme Fund's minimum check size?", out)
	assert.True(t, gen.called)
}

func TestRewriteSkipsStandaloneQuestions(t *testing.T) {
	gen := &stubGenerator{response: "should not be used"}
	r := NewRewriter(gen, nil)

	query := "What is the minimum investment check size for seed rounds?"
	out := r.Rewrite(context.Background(), query, []string{"prior turn"})
	assert.Equal(t, query, out)
	assert.False(t, gen.called)
}

func TestRewriteSkipsWithoutHistory(t *testing.T) {
	gen := &stubGenerator{response: "anything"}
	r := NewRewriter(gen, nil)

	out := r.Rewrite(context.Background(), "what about them?", nil)
	assert.Equal(t, "what about them?", out)
	assert.False(t, gen.called)
}

func TestRewriteFallsBackOnError(t *testing.T) {
	gen := &stubGenerator{err: errors.New("provider down")}
	r := NewRewriter(gen, nil)

	out := r.Rewrite(context.Background(), "what about him?", []string{"turn"})
	assert.Equal(t, "what about him?", out)
}

func TestRewriteFallsBackOnImplausibleOutput(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"multi-line": "rewritten\nand then the model kept going",
	}
	for name, response := range cases {
		t.Run(name, func(t *testing.T) {
			gen := &stubGenerator{response: response}
			r := NewRewriter(gen, nil)
			out := r.Rewrite(context.Background(), "what about it?", []string{"turn"})
			assert.Equal(t, "what about it?", out)
		})
	}
}

func TestRewriteNilGeneratorIsNoOp(t *testing.T) {
	r := NewRewriter(nil, nil)
	out := r.Rewrite(context.Background(), "what about it?", []string{"turn"})
	assert.Equal(t, "what about it?", out)
}

func TestLooksContextDependent(t *testing.T) {
	dependent := []string{
		"what about him?",
		"and the fees?",
		"why?",
		"how does that affect pricing for enterprise customers?",
	}
	for _, q := range dependent {
		assert.True(t, looksContextDependent(q), q)
	}

	standalone := []string{
		"What is Acme Fund's minimum check size?",
		"List every portfolio company founded after 2020",
	}
	for _, q := range standalone {
		assert.False(t, looksContextDependent(q), q)
	}
}
