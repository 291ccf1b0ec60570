package command

import "testing"

func TestLookupCaseInsensitive(t *testing.T) {
	for _, name := range []string{"get", "GET", "Get", "gEt"} {
		info, ok := Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%q) not found", name)
		}
		if info.Name != "GET" {
			t.Errorf("Lookup(%q).Name = %q, want GET", name, info.Name)
		}
	}
}

func TestLookupUnknownCommand(t *testing.T) {
	if _, ok := Lookup("NOSUCHCOMMAND"); ok {
		t.Error("expected NOSUCHCOMMAND to be unknown")
	}
}

func TestLookupUnsupportedFlag(t *testing.T) {
	for _, name := range []string{"MULTI", "EXEC", "WATCH", "SCAN"} {
		info, ok := Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%q) not found", name)
		}
		if !info.Unsupported {
			t.Errorf("%s should be flagged Unsupported", name)
		}
	}
}

func TestLastKeyIndexTrailingVariadic(t *testing.T) {
	info, _ := Lookup("DEL")
	// DEL key [key ...]: argc includes the command name at index 0.
	if got := info.LastKeyIndex(4); got != 3 {
		t.Errorf("DEL.LastKeyIndex(4) = %d, want 3", got)
	}
	if got := info.LastKeyIndex(2); got != 1 {
		t.Errorf("DEL.LastKeyIndex(2) = %d, want 1", got)
	}
}

func TestLastKeyIndexFixedPosition(t *testing.T) {
	info, _ := Lookup("SET")
	if got := info.LastKeyIndex(3); got != 1 {
		t.Errorf("SET.LastKeyIndex(3) = %d, want 1", got)
	}
}

func TestLastKeyIndexStridedPairs(t *testing.T) {
	info, _ := Lookup("MSET")
	// MSET k1 v1 k2 v2 -> argc=5, keys at indices 1 and 3.
	if got := info.LastKeyIndex(5); got != 4 {
		t.Errorf("MSET.LastKeyIndex(5) = %d, want 4", got)
	}
	if info.KeyStep != 2 {
		t.Errorf("MSET.KeyStep = %d, want 2", info.KeyStep)
	}
}
