package emberkv

import "testing"

func TestStringifyKeyVariants(t *testing.T) {
	cases := []struct {
		key  any
		want string
	}{
		{"abc", "abc"},
		{42, "42"},
		{int64(-7), "-7"},
		{true, "true"},
		{false, "false"},
		{3.5, "3.5"},
	}
	for _, c := range cases {
		if got := StringifyKey(c.key); got != c.want {
			t.Fatalf("StringifyKey(%v) = %q, want %q", c.key, got, c.want)
		}
	}
}

func TestNewerThanByCreatedAt(t *testing.T) {
	a := newEntry("k", PresentValue([]byte("a")), 2000, 0, 1)
	b := newEntry("k", PresentValue([]byte("b")), 1000, 0, 1)
	if !newerThan(a, b) {
		t.Fatalf("entry with a later created_at should be newer")
	}
	if newerThan(b, a) {
		t.Fatalf("entry with an earlier created_at should not be newer")
	}
}

func TestNewerThanTieBreaksByVersion(t *testing.T) {
	a := newEntry("k", PresentValue([]byte("a")), 1000, 0, 5)
	b := newEntry("k", PresentValue([]byte("b")), 1000, 0, 2)
	if !newerThan(a, b) {
		t.Fatalf("on a created_at tie, the higher version should win")
	}
}

func TestEntryExpiredAt(t *testing.T) {
	noExpiry := newEntry("k", PresentValue([]byte("v")), 1000, 0, 1)
	if noExpiry.ExpiredAt(999_999_999) {
		t.Fatalf("an entry with no expiry must never report expired")
	}

	withExpiry := newEntry("k", PresentValue([]byte("v")), 1000, 1010, 1)
	if withExpiry.ExpiredAt(1009) {
		t.Fatalf("entry should not be expired before its expires_at")
	}
	if !withExpiry.ExpiredAt(1010) {
		t.Fatalf("entry should be expired once now == expires_at")
	}
}

func TestEntryChecksumDetectsTampering(t *testing.T) {
	e := newEntry("k", PresentValue([]byte("v")), 1000, 0, 1)
	if !e.verifyChecksum() {
		t.Fatalf("a freshly constructed entry must verify")
	}
	e.Value.Bytes = []byte("tampered")
	if e.verifyChecksum() {
		t.Fatalf("checksum must detect a mutated value")
	}
}

func TestValueTombstoneVsPresent(t *testing.T) {
	if !TombstoneValue().IsTombstone() {
		t.Fatalf("TombstoneValue() must report IsTombstone()")
	}
	if PresentValue([]byte("x")).IsTombstone() {
		t.Fatalf("PresentValue() must not report IsTombstone()")
	}
	if PresentValue(nil).IsTombstone() {
		t.Fatalf("an empty present value is still not a tombstone")
	}
}
