package auth_test

import (
	"sort"
	"testing"

	"reviewdesk/internal/engine/auth"
)

func TestZeroSetDeniesEverything(t *testing.T) {
	var s auth.Set
	if s.Resolved() {
		t.Fatal("zero set reports resolved")
	}
	if s.Has(auth.PermDatasetsRead) {
		t.Fatal("zero set granted a permission")
	}
}

func TestNewSet(t *testing.T) {
	s := auth.NewSet([]string{auth.PermDatasetsPick, auth.PermDatasetsApprove, ""})
	if !s.Resolved() {
		t.Fatal("set not resolved")
	}
	if !s.Has(auth.PermDatasetsPick) || !s.Has(auth.PermDatasetsApprove) {
		t.Fatal("granted permissions missing")
	}
	if s.Has(auth.PermDatasetsPublish) {
		t.Fatal("ungranted permission answered true")
	}
	if s.Has("") {
		t.Fatal("empty key granted")
	}
	keys := s.Keys()
	sort.Strings(keys)
	want := []string{auth.PermDatasetsApprove, auth.PermDatasetsPick}
	if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
}

func TestEmptyResolvedSetDeniesButIsResolved(t *testing.T) {
	s := auth.NewSet(nil)
	if !s.Resolved() {
		t.Fatal("empty resolved set reports unresolved")
	}
	if s.Has(auth.PermDatasetsRead) {
		t.Fatal("empty set granted a permission")
	}
}
