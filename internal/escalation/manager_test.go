package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/internal/storage/sqlite"
	"github.com/veritwin/veritwin/pkg/types"
)

type recordingNotifier struct {
	created  []*types.Escalation
	resolved []*types.Escalation
}

func (n *recordingNotifier) EscalationCreated(esc *types.Escalation)  { n.created = append(n.created, esc) }
func (n *recordingNotifier) EscalationResolved(esc *types.Escalation) { n.resolved = append(n.resolved, esc) }

func newTestManager(t *testing.T) (*Manager, *sqlite.Store, *recordingNotifier) {
	t.Helper()

	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateTwin(context.Background(), &types.Twin{
		ID: "twin-1", TenantID: "tenant-a", CreatorID: "creator-1",
	}))

	notifier := &recordingNotifier{}
	return NewManager(store, nil, notifier, time.Hour, nil), store, notifier
}

func TestCreateEscalation(t *testing.T) {
	mgr, _, notifier := newTestManager(t)

	esc, created, err := mgr.Create(context.Background(), CreateRequest{
		TwinID:     "twin-1",
		Question:   "What is your carry structure?",
		Context:    []string{"chunk about fees"},
		AIAttempt:  "Possibly 20%, but I am not sure.",
		Confidence: 0.4,
	})
	require.NoError(t, err)

	assert.True(t, created)
	assert.NotEmpty(t, esc.ID)
	assert.Equal(t, types.EscalationPending, esc.Status)
	assert.Equal(t, 0.4, esc.ConfidenceScore)
	require.Len(t, notifier.created, 1)
}

func TestCreateDeduplicatesWithinWindow(t *testing.T) {
	mgr, _, notifier := newTestManager(t)

	first, created, err := mgr.Create(context.Background(), CreateRequest{
		TwinID: "twin-1", Question: "What is your carry structure?", Confidence: 0.3,
	})
	require.NoError(t, err)
	require.True(t, created)

	// Same question, different casing and punctuation.
	dup, created, err := mgr.Create(context.Background(), CreateRequest{
		TwinID: "twin-1", Question: "what is your CARRY structure", Confidence: 0.5,
	})
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)
	assert.Len(t, notifier.created, 1)
}

func TestRespondWithKnowledgeWriteBack(t *testing.T) {
	mgr, store, notifier := newTestManager(t)
	ctx := context.Background()

	esc, _, err := mgr.Create(ctx, CreateRequest{
		TwinID: "twin-1", Question: "What is your carry structure?", Confidence: 0.3,
	})
	require.NoError(t, err)

	resolved, err := mgr.Respond(ctx, esc.ID, "We charge 20% carry with a 2% management fee.", true)
	require.NoError(t, err)

	assert.Equal(t, types.EscalationResponded, resolved.Status)
	assert.Equal(t, "We charge 20% carry with a 2% management fee.", resolved.OwnerResponse)
	assert.True(t, resolved.AddToKnowledge)
	assert.NotNil(t, resolved.ResolvedAt)
	require.Len(t, notifier.resolved, 1)

	// Re-asking the identical question now hits the verified store exactly.
	hit, err := store.ExactMatch(ctx, "tenant:tenant-a:twin:twin-1",
		types.NormalizeQuestion("What is your carry structure?"))
	require.NoError(t, err)
	assert.Equal(t, "We charge 20% carry with a 2% management fee.", hit.Answer)
	assert.Equal(t, "escalation", hit.CreatedBy)

	// And the gap stays closed: a new escalation attempt for the same
	// question is a fresh pending row only because the old one is terminal.
	_, created, err := mgr.Create(ctx, CreateRequest{
		TwinID: "twin-1", Question: "What is your carry structure?", Confidence: 0.3,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRespondRequiresAnswer(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	esc, _, err := mgr.Create(context.Background(), CreateRequest{
		TwinID: "twin-1", Question: "Question?", Confidence: 0.2,
	})
	require.NoError(t, err)

	_, err = mgr.Respond(context.Background(), esc.ID, "", true)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestDismissIsTerminal(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	esc, _, err := mgr.Create(ctx, CreateRequest{
		TwinID: "twin-1", Question: "Question?", Confidence: 0.2,
	})
	require.NoError(t, err)

	dismissed, err := mgr.Dismiss(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EscalationDismissed, dismissed.Status)

	// No knowledge write happened.
	_, err = store.ExactMatch(ctx, "tenant:tenant-a:twin:twin-1",
		types.NormalizeQuestion("Question?"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Terminal states are final.
	_, err = mgr.Respond(ctx, esc.ID, "too late", false)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestRespondUnknownEscalation(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.Respond(context.Background(), "no-such-id", "answer", false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
