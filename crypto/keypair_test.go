package crypto

import (
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if isZeroKey(keys.Public) {
		t.Error("Generated public key is all zeros")
	}
	if isZeroKey(keys.Private) {
		t.Error("Generated private key is all zeros")
	}
}

func TestGenerateKeyPairUnique(t *testing.T) {
	keys1, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	keys2, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if keys1.Public == keys2.Public {
		t.Error("Two generated key pairs share a public key")
	}
}

func TestFromSecretKey(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	derived, err := FromSecretKey(keys.Private)
	if err != nil {
		t.Fatalf("FromSecretKey failed: %v", err)
	}
	if derived.Public != keys.Public {
		t.Error("Derived public key does not match original")
	}
}

func TestFromSecretKeyRejectsZeros(t *testing.T) {
	var zero [KeySize]byte
	if _, err := FromSecretKey(zero); err == nil {
		t.Error("Expected error for all-zero secret key")
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	if err := SecureWipe(data); err != nil {
		t.Fatalf("SecureWipe failed: %v", err)
	}
	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d not wiped: %d", i, b)
		}
	}

	if err := SecureWipe(nil); err == nil {
		t.Error("Expected error wiping nil slice")
	}
}

func TestWipeKeyPair(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := WipeKeyPair(keys); err != nil {
		t.Fatalf("WipeKeyPair failed: %v", err)
	}
	if !isZeroKey(keys.Private) {
		t.Error("Private key not wiped")
	}
	if err := WipeKeyPair(nil); err == nil {
		t.Error("Expected error wiping nil KeyPair")
	}
}
