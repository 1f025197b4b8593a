package engine

import "testing"

func TestIPAllowedAnyOverridesAnyDenied(t *testing.T) {
	if !ipAllowed("203.0.113.5", []string{"any"}, nil) {
		t.Fatal("expected any-allowed to admit an arbitrary address")
	}
	if !ipAllowed("203.0.113.5", []string{"any"}, []string{"any"}) {
		t.Fatal("expected any-allowed to override a blanket any-denied")
	}
}

func TestIPAllowedSpecificEntryOverridesAnyDenied(t *testing.T) {
	allowed := []string{"198.51.100.0/24"}
	denied := []string{"any"}
	if !ipAllowed("198.51.100.5", allowed, denied) {
		t.Fatal("expected an address matching the allowed list to override a blanket any-denied")
	}
	if ipAllowed("203.0.113.5", allowed, denied) {
		t.Fatal("expected an address matching neither allowed nor any-denied override to be rejected")
	}
}

func TestIPAllowedExplicitDenyOverridesAllow(t *testing.T) {
	allowed := []string{"198.51.100.0/24"}
	denied := []string{"198.51.100.5"}
	if ipAllowed("198.51.100.5", allowed, denied) {
		t.Fatal("expected explicitly denied address to be rejected even though it is in the allowed range")
	}
	if !ipAllowed("198.51.100.6", allowed, denied) {
		t.Fatal("expected a different address in the same allowed range to still be admitted")
	}
}

func TestIPAllowedEmptyListsAdmitEverythingAbsentADenyMatch(t *testing.T) {
	if !ipAllowed("198.51.100.5", nil, nil) {
		t.Fatal("expected no allowed/denied entries to admit by default (no deny-all, no specific deny)")
	}
	if ipAllowed("198.51.100.5", nil, []string{"198.51.100.5"}) {
		t.Fatal("expected a specifically denied address to be rejected even with no allowed entries")
	}
}
