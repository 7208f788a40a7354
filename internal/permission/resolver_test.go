package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	gateway "github.com/openvanguard/vanguard/internal"
	"github.com/openvanguard/vanguard/internal/cachestore"
)

type fakeIdentity struct {
	grants map[string]bool
	roles  map[string][]string
	calls  int
	err    error
}

func (f *fakeIdentity) CheckPermission(_ context.Context, userID, code string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.grants[userID+":"+code], nil
}

func (f *fakeIdentity) Roles(_ context.Context, userID string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.roles[userID], nil
}

func newTestResolver(t *testing.T, id *fakeIdentity) (*Resolver, *cachestore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	cs := cachestore.New(cachestore.Options{Addr: mr.Addr(), Timeout: time.Second})
	t.Cleanup(func() { cs.Close() })
	r, err := New(Options{Identity: id, L2: cs})
	if err != nil {
		t.Fatal(err)
	}
	return r, cs
}

func TestHasPermissionGrantCached(t *testing.T) {
	t.Parallel()
	id := &fakeIdentity{grants: map[string]bool{"u1:orders.read": true}}
	r, _ := newTestResolver(t, id)
	ctx := context.Background()

	if !r.HasPermission(ctx, "u1", "orders.read") {
		t.Fatal("grant not resolved")
	}
	if r.HasPermission(ctx, "u1", "orders.write") {
		t.Fatal("ungranted permission resolved true")
	}

	// Both answers came from the identity service once each; repeats hit cache.
	calls := id.calls
	r.HasPermission(ctx, "u1", "orders.read")
	r.HasPermission(ctx, "u1", "orders.write")
	if id.calls != calls {
		t.Errorf("identity calls = %d, want %d (cached)", id.calls, calls)
	}
}

func TestHasPermissionFillsFromL2(t *testing.T) {
	t.Parallel()
	id := &fakeIdentity{grants: map[string]bool{"u1:orders.read": true}}
	r, cs := newTestResolver(t, id)
	ctx := context.Background()

	r.HasPermission(ctx, "u1", "orders.read")

	// A second replica with an empty L1 must answer from L2 without an RPC.
	broken := &fakeIdentity{err: errors.New("identity down")}
	other, err := New(Options{Identity: broken, L2: cs})
	if err != nil {
		t.Fatal(err)
	}
	if !other.HasPermission(ctx, "u1", "orders.read") {
		t.Error("L2 fill failed")
	}
	if broken.calls != 0 {
		t.Errorf("identity calls = %d, want 0", broken.calls)
	}
}

func TestHasPermissionFailsClosed(t *testing.T) {
	t.Parallel()
	id := &fakeIdentity{err: errors.New("identity down")}
	r, _ := newTestResolver(t, id)
	ctx := context.Background()

	if r.HasPermission(ctx, "u1", "orders.read") {
		t.Fatal("unreachable identity must resolve false")
	}

	// The failure is not cached: recovery makes the next check ask again.
	id.err = nil
	id.grants = map[string]bool{"u1:orders.read": true}
	if !r.HasPermission(ctx, "u1", "orders.read") {
		t.Error("recovered identity answer not picked up")
	}
}

func TestUserRoles(t *testing.T) {
	t.Parallel()
	id := &fakeIdentity{roles: map[string][]string{"u1": {"admin", "support"}}}
	r, cs := newTestResolver(t, id)
	ctx := context.Background()

	roles, err := r.UserRoles(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 2 || roles[0] != "admin" {
		t.Errorf("roles = %v", roles)
	}

	// Cached in L2 for other replicas.
	broken := &fakeIdentity{err: errors.New("identity down")}
	other, err := New(Options{Identity: broken, L2: cs})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.UserRoles(ctx, "u1"); err != nil {
		t.Errorf("roles L2 fill failed: %v", err)
	}

	if _, err := other.UserRoles(ctx, "unknown"); !errors.Is(err, gateway.ErrIdentityUnavailable) {
		t.Errorf("err = %v, want ErrIdentityUnavailable", err)
	}
}
