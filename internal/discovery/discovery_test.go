package discovery

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/openvanguard/vanguard/internal"
)

func TestStaticResolve(t *testing.T) {
	t.Parallel()
	r, err := NewStatic(map[string][]string{
		"orders":   {"10.0.0.1:8080", "10.0.0.2:8080"},
		"payments": {"https://pay.internal:8443"},
	})
	if err != nil {
		t.Fatal(err)
	}

	instances, err := r.Resolve(context.Background(), "orders")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 || instances[0].Host != "10.0.0.1" || instances[0].Port != 8080 {
		t.Errorf("instances = %+v", instances)
	}
	if instances[0].Scheme != "http" {
		t.Errorf("scheme = %q, want http", instances[0].Scheme)
	}

	instances, err = r.Resolve(context.Background(), "payments")
	if err != nil {
		t.Fatal(err)
	}
	if instances[0].Scheme != "https" || instances[0].Port != 8443 {
		t.Errorf("instances = %+v", instances)
	}
}

func TestStaticResolveUnknown(t *testing.T) {
	t.Parallel()
	r, err := NewStatic(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(context.Background(), "ghost"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStaticRejectsBadAddrs(t *testing.T) {
	t.Parallel()
	for _, addr := range []string{"no-port", "host:notaport", "host:0"} {
		if _, err := NewStatic(map[string][]string{"svc": {addr}}); err == nil {
			t.Errorf("NewStatic accepted %q", addr)
		}
	}
}
