package vehicle

import "testing"

func TestPKCS5Pad_PadsToBlockSize(t *testing.T) {
	data := []byte("hunter2")
	padded := pkcs5Pad(data, 8)
	if len(padded)%8 != 0 {
		t.Fatalf("padded length %d is not a multiple of block size 8", len(padded))
	}
	padLen := int(padded[len(padded)-1])
	if len(padded) != len(data)+padLen {
		t.Fatalf("pad byte value %d inconsistent with padded length %d", padLen, len(padded))
	}
}

func TestPKCS5Pad_FullBlockStillPads(t *testing.T) {
	data := make([]byte, 8)
	padded := pkcs5Pad(data, 8)
	if len(padded) != 16 {
		t.Fatalf("expected a full extra block of padding, got length %d", len(padded))
	}
}

func TestEncryptPassword_Deterministic(t *testing.T) {
	a, err := encryptPassword("secret", "0123456789abcdef")
	if err != nil {
		t.Fatalf("encryptPassword: %v", err)
	}
	b, err := encryptPassword("secret", "0123456789abcdef")
	if err != nil {
		t.Fatalf("encryptPassword: %v", err)
	}
	if a != b {
		t.Fatalf("expected deterministic ciphertext for the same input, got %q vs %q", a, b)
	}
	if a == "" {
		t.Fatal("expected a non-empty ciphertext")
	}
}
