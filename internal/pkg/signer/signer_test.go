package signer

import (
	"testing"
	"time"
)

func testFields() ImmutableFields {
	return ImmutableFields{
		TicketID:       "TK-123",
		Type:           "multi",
		QuotaOrMinutes: 5,
		ValidFrom:      time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		ValidTo:        time.Date(2024, 6, 1, 21, 0, 0, 0, time.UTC),
		LotNo:          "LOT-20240601",
	}
}

func TestSignAndVerify(t *testing.T) {
	keyring := NewKeyring("tenant-1", []byte("super-secret-master"), 1)

	sig, kv := Sign(testFields(), keyring)
	if kv != 1 {
		t.Fatalf("expected key version 1, got %d", kv)
	}

	if !Verify(testFields(), sig, kv, keyring) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsAlteredFields(t *testing.T) {
	keyring := NewKeyring("tenant-1", []byte("super-secret-master"), 1)
	sig, kv := Sign(testFields(), keyring)

	cases := map[string]func(*ImmutableFields){
		"ticket id": func(f *ImmutableFields) { f.TicketID = "TK-999" },
		"type":      func(f *ImmutableFields) { f.Type = "single" },
		"quota":     func(f *ImmutableFields) { f.QuotaOrMinutes = 50 },
		"valid from": func(f *ImmutableFields) {
			f.ValidFrom = f.ValidFrom.Add(-time.Hour)
		},
		"valid to": func(f *ImmutableFields) {
			f.ValidTo = f.ValidTo.Add(24 * time.Hour)
		},
		"lot no": func(f *ImmutableFields) { f.LotNo = "LOT-OTHER" },
	}

	for name, mutate := range cases {
		fields := testFields()
		mutate(&fields)

		if Verify(fields, sig, kv, keyring) {
			t.Errorf("altered %s still verified", name)
		}
	}
}

func TestVerifyAcrossRotation(t *testing.T) {
	v1 := NewKeyring("tenant-1", []byte("super-secret-master"), 1)
	sig, kv := Sign(testFields(), v1)

	// Rotating the active version must not invalidate older signatures.
	v3 := NewKeyring("tenant-1", []byte("super-secret-master"), 3)
	if !Verify(testFields(), sig, kv, v3) {
		t.Fatal("signature under v1 should verify after rotation to v3")
	}

	sig3, kv3 := Sign(testFields(), v3)
	if kv3 != 3 {
		t.Fatalf("expected key version 3, got %d", kv3)
	}
	if sig3 == sig {
		t.Fatal("rotated key version must produce a different signature")
	}

	// A signature claiming a version newer than the active one never verifies.
	if Verify(testFields(), sig3, kv3, v1) {
		t.Fatal("signature under v3 must not verify on a keyring at v1")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	keyring := NewKeyring("tenant-1", []byte("super-secret-master"), 1)

	if Verify(testFields(), "not-base64!!!", 1, keyring) {
		t.Fatal("garbage signature verified")
	}

	if Verify(testFields(), "", 0, keyring) {
		t.Fatal("version 0 verified")
	}
}

func TestTenantsDoNotShareKeys(t *testing.T) {
	a := NewKeyring("tenant-a", []byte("super-secret-master"), 1)
	b := NewKeyring("tenant-b", []byte("super-secret-master"), 1)

	sig, kv := Sign(testFields(), a)
	if Verify(testFields(), sig, kv, b) {
		t.Fatal("signature from tenant-a verified under tenant-b")
	}
}
