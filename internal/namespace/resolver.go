// Package namespace derives and authorizes the isolated storage partitions
// a (tenant, twin) pair may touch.
//
// A namespace string is always constructed server-side from authenticated
// identity fields. Derivation is pure and deterministic: the same inputs
// always produce the same namespace, and two tenants can never collide
// because the tenant id is embedded verbatim and the separator character is
// forbidden inside identifiers.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// Mode selects how the partition is scoped.
type Mode string

const (
	// ModeTwin scopes the namespace to a single twin.
	ModeTwin Mode = "twin"

	// ModeCreator scopes the namespace to the twin's creator, so all of a
	// creator's twins can be queried jointly.
	ModeCreator Mode = "creator"
)

const (
	twinPrefix    = "tenant:"
	creatorPrefix = "creator:"
)

// validID reports whether an identifier is safe to embed in a namespace.
// The separator and whitespace are forbidden so namespaces cannot be forged
// by crafting identifiers.
func validID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsAny(id, ": \t\n")
}

// Derive builds the twin-scoped namespace for authenticated identifiers.
// It performs no authorization; use Resolver.Resolve on request paths.
func Derive(tenantID, twinID string) (types.Namespace, error) {
	if !validID(tenantID) || !validID(twinID) {
		return "", fmt.Errorf("%w: malformed identity fields", storage.ErrInvalidInput)
	}
	return types.Namespace(twinPrefix + tenantID + ":twin:" + twinID), nil
}

// DeriveCreator builds the creator-scoped namespace.
func DeriveCreator(creatorID string) (types.Namespace, error) {
	if !validID(creatorID) {
		return "", fmt.Errorf("%w: malformed creator id", storage.ErrInvalidInput)
	}
	return types.Namespace(creatorPrefix + creatorID), nil
}

// Valid reports whether ns has a server-derived shape. Store adapters use
// this as a cheap defense-in-depth check before touching rows.
func Valid(ns types.Namespace) bool {
	s := string(ns)
	return strings.HasPrefix(s, twinPrefix) || strings.HasPrefix(s, creatorPrefix)
}

// Resolver authorizes and derives namespaces against the twin registry.
type Resolver struct {
	registry storage.TwinRegistry
}

// NewResolver creates a resolver backed by the given twin registry.
func NewResolver(registry storage.TwinRegistry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve maps an authenticated (tenant, twin) pair to the namespace it may
// read and write. It fails with storage.ErrUnauthorizedNamespace when the
// twin does not exist or is not owned by the calling tenant; the two cases
// are deliberately indistinguishable so probing cannot reveal twin ids.
//
// Resolution is read-only: namespace creation on first write is the storage
// backend's concern, not the resolver's.
func (r *Resolver) Resolve(ctx context.Context, tenantID, twinID string, mode Mode) (types.Namespace, error) {
	if !validID(tenantID) || !validID(twinID) {
		return "", fmt.Errorf("%w: malformed identity fields", storage.ErrInvalidInput)
	}

	twin, err := r.registry.GetTwin(ctx, twinID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", storage.ErrUnauthorizedNamespace
		}
		return "", fmt.Errorf("namespace: registry lookup: %w", err)
	}

	if twin.TenantID != tenantID {
		return "", storage.ErrUnauthorizedNamespace
	}

	switch mode {
	case ModeCreator:
		if twin.CreatorID == "" {
			return "", fmt.Errorf("%w: twin has no creator scope", storage.ErrInvalidInput)
		}
		return DeriveCreator(twin.CreatorID)
	case ModeTwin, "":
		return Derive(twin.TenantID, twin.ID)
	default:
		return "", fmt.Errorf("%w: unknown namespace mode %q", storage.ErrInvalidInput, mode)
	}
}
