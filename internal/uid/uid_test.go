package uid

import "testing"

func TestParseAndBytesRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0x00, 0x0D, 0x01, 0xAA, 0xBB, 0xCC}
	u, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := u.Bytes(); string(got) != string(raw) {
		t.Fatalf("Bytes() = % x, want % x", got, raw)
	}
}

func TestParseShortInputFails(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err != ErrShortUID {
		t.Fatalf("Parse(short) = %v, want ErrShortUID", err)
	}
}

func TestShortIgnoresClassBytes(t *testing.T) {
	a := UID{Class: 1, XClass: 2, Manufacturer: 0x0D, Product: 5, Serial: [3]byte{1, 2, 3}}
	b := UID{Class: 9, XClass: 9, Manufacturer: 0x0D, Product: 5, Serial: [3]byte{1, 2, 3}}
	if a.Short() != b.Short() {
		t.Fatalf("Short() differs across a firmware-update-style class change: %v vs %v", a.Short(), b.Short())
	}
	if a == b {
		t.Fatalf("full UIDs should still differ")
	}
}

func TestStringParseStringRoundTrip(t *testing.T) {
	u := UID{Manufacturer: 0x0D, Product: 2, Serial: [3]byte{0xAA, 0xBB, 0xCC}}
	got, err := ParseString(u.String())
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	if got != u {
		t.Fatalf("round trip = %+v, want %+v", got, u)
	}
}

func TestRootSetsOnlyManufacturerProductSerial(t *testing.T) {
	u := Root(0x0D, 0x01, [3]byte{1, 2, 3})
	if u.Class != 0 || u.XClass != 0 {
		t.Fatalf("Root() should leave class/xclass zero, got %+v", u)
	}
	if u.Manufacturer != 0x0D || u.Product != 0x01 || u.Serial != [3]byte{1, 2, 3} {
		t.Fatalf("Root() = %+v", u)
	}
}
