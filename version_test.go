package migration

import "testing"

func TestVersionOrdering(t *testing.T) {
	if !(VersionMin < Version(1)) {
		t.Fatal("VersionMin should be less than 1")
	}
	if !(Version(1) < VersionMax) {
		t.Fatal("VersionMax should be greater than 1")
	}
	if VersionMin != 0 {
		t.Fatalf("got=%d, want=0", VersionMin)
	}
}
