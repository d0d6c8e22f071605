package protocol

import (
	"bytes"
	"testing"
)

func TestRegionListEncodeDecode(t *testing.T) {
	in := []RegionInfo{
		{Index: 0, Code: "EU", Name: "Europe 865-868 MHz"},
		{Index: 1, Code: "US", Name: "FCC 902-928 MHz"},
		{Index: 2, Code: "JP"},
	}
	out, err := UnmarshalRegionList(MarshalRegionList(in))
	if err != nil {
		t.Fatalf("UnmarshalRegionList() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d regions, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("region %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestRegionListEmpty(t *testing.T) {
	out, err := UnmarshalRegionList(nil)
	if err != nil {
		t.Fatalf("UnmarshalRegionList(nil) error = %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d regions, want 0", len(out))
	}
}

func TestRegionListBadInner(t *testing.T) {
	// Outer field 1 wraps a single invalid byte.
	raw := []byte{0x0a, 0x01, 0xFF}
	if _, err := UnmarshalRegionList(raw); err == nil {
		t.Error("expected error for malformed region entry")
	}
}

func TestMarshalRegionConfig(t *testing.T) {
	got := MarshalRegionConfig(RegionConfig{Code: "EU", TxPowerCentiDBm: 2700, FrequencyHopping: true})
	// field 1: 0x0a len 2 "EU"; field 2: 0x10 varint 2700 (0x8c 0x15); field 3: 0x18 0x01
	want := []byte{0x0a, 0x02, 'E', 'U', 0x10, 0x8c, 0x15, 0x18, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalRegionConfig() = %x, want %x", got, want)
	}

	c, err := UnmarshalRegionConfig(got)
	if err != nil {
		t.Fatalf("UnmarshalRegionConfig() error = %v", err)
	}
	if c.Code != "EU" || c.TxPowerCentiDBm != 2700 || !c.FrequencyHopping {
		t.Errorf("UnmarshalRegionConfig() = %+v", c)
	}
}

func TestUnmarshalRegionConfigUnset(t *testing.T) {
	c, err := UnmarshalRegionConfig([]byte{0x10, 0x64})
	if err != nil {
		t.Fatalf("UnmarshalRegionConfig() error = %v", err)
	}
	if c.Code != "" || c.TxPowerCentiDBm != 100 || c.FrequencyHopping {
		t.Errorf("UnmarshalRegionConfig() = %+v", c)
	}
}

func TestSealedCredential(t *testing.T) {
	iv := bytes.Repeat([]byte{0xAA}, 12)
	tag := bytes.Repeat([]byte{0xBB}, 16)
	ct := []byte{0x01, 0x02, 0x03}

	raw, err := MarshalSealedCredential(SealedCredential{IV: iv, Tag: tag, Ciphertext: ct})
	if err != nil {
		t.Fatalf("MarshalSealedCredential() error = %v", err)
	}

	var want []byte
	want = append(want, 0x0a, 0x0c)
	want = append(want, iv...)
	want = append(want, 0x12, 0x10)
	want = append(want, tag...)
	want = append(want, 0x1a, 0x03)
	want = append(want, ct...)
	if !bytes.Equal(raw, want) {
		t.Errorf("MarshalSealedCredential() =\n  got  %x\n  want %x", raw, want)
	}

	s, err := UnmarshalSealedCredential(raw)
	if err != nil {
		t.Fatalf("UnmarshalSealedCredential() error = %v", err)
	}
	if !bytes.Equal(s.IV, iv) || !bytes.Equal(s.Tag, tag) || !bytes.Equal(s.Ciphertext, ct) {
		t.Errorf("UnmarshalSealedCredential() = %+v", s)
	}
}

func TestSealedCredentialValidation(t *testing.T) {
	if _, err := MarshalSealedCredential(SealedCredential{IV: make([]byte, 10), Tag: make([]byte, 16)}); err == nil {
		t.Error("expected error for wrong IV length")
	}
	if _, err := MarshalSealedCredential(SealedCredential{IV: make([]byte, 12), Tag: make([]byte, 8)}); err == nil {
		t.Error("expected error for wrong tag length")
	}
	if _, err := UnmarshalSealedCredential([]byte{0x1a, 0x01, 0x00}); err == nil {
		t.Error("expected error for missing iv and tag")
	}
}
