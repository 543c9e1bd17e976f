package session

import (
	"strings"
	"testing"
)

func TestEncodeDecodePrincipal(t *testing.T) {
	want := testPrincipal()
	want.AvatarURL = "https://cdn.example.com/a.png"
	want.DepartmentID = "d-3"

	data, err := EncodePrincipal(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if data[0] != FormatVersionCurrent {
		t.Fatalf("expected version tag %d, got %d", FormatVersionCurrent, data[0])
	}

	got, version, err := DecodePrincipal(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if version != FormatVersionCurrent {
		t.Fatalf("expected current version, got %d", version)
	}
	if *got != *want {
		t.Fatalf("mismatch: %+v vs %+v", got, want)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := EncodePrincipal(testPrincipal())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := EncodePrincipal(testPrincipal())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("encoding the same principal twice produced different bytes")
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	_, _, err := DecodePrincipal([]byte{99, 0xa0})
	if err == nil || !strings.Contains(err.Error(), "unsupported principal format version") {
		t.Fatalf("expected unsupported version error, got %v", err)
	}
}

func TestDecodeLegacyJSON(t *testing.T) {
	p, version, err := DecodePrincipal([]byte(` {"id":"u-1","name":"Jane Doe","email":"jane@example.com"}`))
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	if version != FormatVersionLegacy {
		t.Fatalf("expected legacy version, got %d", version)
	}
	if !p.Valid() {
		t.Fatalf("expected valid principal, got %+v", p)
	}
}

func TestPrincipalValid(t *testing.T) {
	cases := map[string]*Principal{
		"nil":        nil,
		"no id":      {Name: "a", Email: "b"},
		"no name":    {ID: "1", Email: "b"},
		"blank mail": {ID: "1", Name: "a", Email: " "},
	}
	for name, p := range cases {
		if p.Valid() {
			t.Fatalf("%s: expected invalid", name)
		}
	}
}

func FuzzDecodePrincipal(f *testing.F) {
	if encoded, err := EncodePrincipal(testPrincipal()); err == nil {
		f.Add(encoded)
		f.Add(encoded[:len(encoded)/2])
	}
	f.Add([]byte{})
	f.Add([]byte{1})
	f.Add([]byte(`{"id":1}`))
	f.Add([]byte{255, 255, 255})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, _, err := DecodePrincipal(data)
		if err != nil {
			return
		}
		if p == nil {
			t.Fatal("DecodePrincipal returned nil principal without error")
		}
	})
}
