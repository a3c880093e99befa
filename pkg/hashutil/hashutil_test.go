package hashutil

import "testing"

func TestHashAndVerifyRoundTrip(t *testing.T) {
	for _, alg := range []string{"MD5", "SHA256", "BF1"} {
		t.Run(alg, func(t *testing.T) {
			hash, err := (Default{}).Hash(alg, "alice", "realm", "s3cret")
			if err != nil {
				t.Fatalf("Hash: %v", err)
			}
			if !(Default{}).Verify(hash, "alice", "realm", "s3cret", alg) {
				t.Fatalf("expected correct password to verify")
			}
			if (Default{}).Verify(hash, "alice", "realm", "wrong", alg) {
				t.Fatalf("expected wrong password to fail")
			}
		})
	}
}

func TestVerifyUsesDefaultAlgorithmForUnprefixedHash(t *testing.T) {
	hash := md5Hex("alice:realm:s3cret")
	if !(Default{}).Verify(hash, "alice", "realm", "s3cret", "MD5") {
		t.Fatalf("expected unprefixed MD5 hash to verify with default algorithm")
	}
}

func TestHashRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := (Default{}).Hash("ROT13", "a", "b", "c"); err == nil {
		t.Fatalf("expected error for unknown algorithm")
	}
}

func TestDigestHA1ExtractsStoredDigestForMatchingAlgorithm(t *testing.T) {
	hash, _ := (Default{}).Hash("MD5", "bob", "realm", "pw")
	ha1, ok := (Default{}).DigestHA1(hash, "MD5")
	if !ok || ha1 == "" {
		t.Fatalf("expected HA1 extraction to succeed")
	}
	if _, ok := (Default{}).DigestHA1(hash, "SHA-256"); ok {
		t.Fatalf("expected mismatched algorithm to fail")
	}
}

func TestTagAndEqual(t *testing.T) {
	secret := []byte("key")
	a := (Default{}).Tag(secret, "data")
	b := (Default{}).Tag(secret, "data")
	c := (Default{}).Tag(secret, "other")
	if !(Default{}).Equal(a, b) {
		t.Fatalf("expected identical tags to be equal")
	}
	if (Default{}).Equal(a, c) {
		t.Fatalf("expected different data to produce different tags")
	}
}

func TestID256AndNonceRandomAreUnique(t *testing.T) {
	if (Default{}).ID256() == (Default{}).ID256() {
		t.Fatalf("expected distinct IDs across calls")
	}
	if (Default{}).NonceRandom() == (Default{}).NonceRandom() {
		t.Fatalf("expected distinct nonce random values across calls")
	}
}

func TestNonceTimestampRoundTrip(t *testing.T) {
	hex := EncodeNonceTimestamp(1700000000)
	got, err := DecodeNonceTimestamp(hex)
	if err != nil {
		t.Fatalf("DecodeNonceTimestamp: %v", err)
	}
	if got != 1700000000 {
		t.Fatalf("expected round-tripped timestamp, got %d", got)
	}
}
