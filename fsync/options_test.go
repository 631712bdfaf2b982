package fsync

import "testing"

// TestOptionsIncludedAlwaysOmitsReservedNames covers spec.md §4.5 step 3's
// ALWAYS_OMIT set: META_FILE, LOCK_FILE and CONFIG_FILE are excluded from a
// listing regardless of --match/--exclude, unlike DefaultOmit which is just
// the --exclude value cmd/ftpsync uses when none is given.
func TestOptionsIncludedAlwaysOmitsReservedNames(t *testing.T) {
	opt := NewOptions()
	if err := opt.compileGlobs(); err != nil {
		t.Fatalf("compileGlobs: %v", err)
	}

	for _, name := range []string{MetaFileName, LockFileName, ConfigFileName} {
		if opt.included(name, false) {
			t.Errorf("included(%q) = true, want false (ALWAYS_OMIT)", name)
		}
	}

	if !opt.included("regular.txt", false) {
		t.Error("included(\"regular.txt\") = false, want true")
	}
}

// TestOptionsIncludedConfigFileSurvivesMatch confirms the reserved name
// stays excluded even when a --match pattern would otherwise select it.
func TestOptionsIncludedConfigFileSurvivesMatch(t *testing.T) {
	opt := NewOptions()
	opt.Match = []string{"*.yaml"}
	if err := opt.compileGlobs(); err != nil {
		t.Fatalf("compileGlobs: %v", err)
	}

	if opt.included(ConfigFileName, false) {
		t.Error("ConfigFileName must stay excluded even when --match would select it")
	}
	if !opt.included("notes.yaml", false) {
		t.Error("an ordinary .yaml file must still pass --match")
	}
}
