package cache

import (
	"net/url"
	"testing"
)

func TestBuildUserScopedKeyCanonicalizesQuery(t *testing.T) {
	a := BuildUserScopedKey("/api/v1/records/expenses", "u1", url.Values{
		"group": {"g2", "g1"},
		"Limit": {"50"},
	})
	b := BuildUserScopedKey("/api/v1/records/expenses", "u1", url.Values{
		"limit": {"50"},
		"group": {"g1", "g2"},
	})
	if a != b {
		t.Errorf("equivalent queries produced different keys:\n%s\n%s", a, b)
	}
}

func TestBuildUserScopedKeyDiscriminates(t *testing.T) {
	base := BuildUserScopedKey("/api/v1/records/expenses", "u1", url.Values{"limit": {"50"}})

	variants := map[string]string{
		"different user":  BuildUserScopedKey("/api/v1/records/expenses", "u2", url.Values{"limit": {"50"}}),
		"different route": BuildUserScopedKey("/api/v1/records/groups", "u1", url.Values{"limit": {"50"}}),
		"different query": BuildUserScopedKey("/api/v1/records/expenses", "u1", url.Values{"limit": {"51"}}),
	}
	for name, key := range variants {
		if key == base {
			t.Errorf("%s collided with base key", name)
		}
	}
}

func TestBuildUserScopedKeyEmptyQueryIsStable(t *testing.T) {
	a := BuildUserScopedKey("/api/v1/records/expenses", "u1", nil)
	b := BuildUserScopedKey("/api/v1/records/expenses", "u1", url.Values{})
	if a != b {
		t.Errorf("nil and empty query diverged: %s vs %s", a, b)
	}
}
