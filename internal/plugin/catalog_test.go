package plugin

import (
	"slices"
	"testing"
)

func TestBuiltinRegistry(t *testing.T) {
	r := BuiltinRegistry()

	want := []string{"admin", "billing", "error_handler", "help", "horoscope", "md2pdf", "start"}
	if got := r.List(); !slices.Equal(got, want) {
		t.Fatalf("catalog = %v, want %v", got, want)
	}

	// Each name must instantiate into a fresh value.
	for _, name := range want {
		first, err := r.Instantiate(name)
		if err != nil {
			t.Fatalf("instantiate %s: %v", name, err)
		}
		second, err := r.Instantiate(name)
		if err != nil {
			t.Fatalf("instantiate %s again: %v", name, err)
		}
		if first == second {
			t.Errorf("plugin %s: constructor returned a shared instance", name)
		}
	}

	// The full set resolves without cycles or missing deps.
	order, err := r.Resolve(want)
	if err != nil {
		t.Fatalf("resolve builtin set: %v", err)
	}
	if len(order) != len(want) {
		t.Fatalf("resolved %d plugins, want %d", len(order), len(want))
	}
}

// TestBuiltinRegistry_AdminPinned verifies the admin plugin opts out of
// hot reload so the fleet-control bot survives plugin directory churn.
func TestBuiltinRegistry_AdminPinned(t *testing.T) {
	r := BuiltinRegistry()
	info, ok := r.Info("admin")
	if !ok {
		t.Fatal("admin plugin missing from catalog")
	}
	if info.SupportsHotReload {
		t.Error("admin plugin should not support hot reload")
	}

	info, ok = r.Info("horoscope")
	if !ok {
		t.Fatal("horoscope plugin missing from catalog")
	}
	if !info.SupportsHotReload {
		t.Error("horoscope plugin should support hot reload")
	}
}
