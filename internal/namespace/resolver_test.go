package namespace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// mockRegistry implements storage.TwinRegistry over a map.
type mockRegistry struct {
	twins map[string]*types.Twin
}

func (m *mockRegistry) CreateTwin(ctx context.Context, twin *types.Twin) error {
	m.twins[twin.ID] = twin
	return nil
}

func (m *mockRegistry) GetTwin(ctx context.Context, twinID string) (*types.Twin, error) {
	if t, ok := m.twins[twinID]; ok {
		return t, nil
	}
	return nil, storage.ErrNotFound
}

func newTestResolver() (*Resolver, *mockRegistry) {
	reg := &mockRegistry{twins: map[string]*types.Twin{
		"twin-1": {ID: "twin-1", TenantID: "tenant-a", CreatorID: "creator-x"},
		"twin-2": {ID: "twin-2", TenantID: "tenant-b"},
	}}
	return NewResolver(reg), reg
}

func TestResolveDeterministic(t *testing.T) {
	r, _ := newTestResolver()
	ctx := context.Background()

	ns1, err := r.Resolve(ctx, "tenant-a", "twin-1", ModeTwin)
	require.NoError(t, err)

	ns2, err := r.Resolve(ctx, "tenant-a", "twin-1", ModeTwin)
	require.NoError(t, err)

	assert.Equal(t, ns1, ns2)
	assert.Equal(t, types.Namespace("tenant:tenant-a:twin:twin-1"), ns1)
	assert.True(t, Valid(ns1))
}

func TestResolveRejectsForeignTenant(t *testing.T) {
	r, _ := newTestResolver()

	// tenant-a does not own twin-2.
	_, err := r.Resolve(context.Background(), "tenant-a", "twin-2", ModeTwin)
	assert.ErrorIs(t, err, storage.ErrUnauthorizedNamespace)
}

func TestResolveUnknownTwinIndistinguishable(t *testing.T) {
	r, _ := newTestResolver()

	// An unknown twin must produce the same error as a foreign one.
	_, unknownErr := r.Resolve(context.Background(), "tenant-a", "no-such-twin", ModeTwin)
	_, foreignErr := r.Resolve(context.Background(), "tenant-a", "twin-2", ModeTwin)

	assert.ErrorIs(t, unknownErr, storage.ErrUnauthorizedNamespace)
	assert.Equal(t, unknownErr, foreignErr)
}

func TestResolveCreatorMode(t *testing.T) {
	r, _ := newTestResolver()

	ns, err := r.Resolve(context.Background(), "tenant-a", "twin-1", ModeCreator)
	require.NoError(t, err)
	assert.Equal(t, types.Namespace("creator:creator-x"), ns)

	// twin-2 has no creator scope.
	_, err = r.Resolve(context.Background(), "tenant-b", "twin-2", ModeCreator)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestResolveRejectsMalformedIdentifiers(t *testing.T) {
	r, _ := newTestResolver()

	tests := []struct {
		name     string
		tenantID string
		twinID   string
	}{
		{"empty tenant", "", "twin-1"},
		{"empty twin", "tenant-a", ""},
		{"separator in tenant", "tenant:a", "twin-1"},
		{"separator in twin", "tenant-a", "twin:1"},
		{"whitespace", "tenant a", "twin-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.tenantID, tt.twinID, ModeTwin)
			assert.ErrorIs(t, err, storage.ErrInvalidInput)
		})
	}
}

func TestDeriveDistinctTenantsNeverCollide(t *testing.T) {
	// Crafted ids must not let two tenants reach the same namespace.
	nsA, err := Derive("tenant-a", "x-twin-b")
	require.NoError(t, err)
	nsB, err := Derive("tenant-a-x", "twin-b")
	require.NoError(t, err)

	assert.NotEqual(t, nsA, nsB)
}
