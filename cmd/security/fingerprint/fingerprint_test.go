package fingerprint

import "testing"

func TestHashSHA256Hex(t *testing.T) {
	t.Parallel()

	got := HashSHA256Hex("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("HashSHA256Hex=%s, want %s", got, want)
	}
}

func TestOf(t *testing.T) {
	t.Setenv(EnvKey, "")

	if Of("") != "" {
		t.Fatalf("expected empty fingerprint for empty secret")
	}
	plain := Of("abc")
	if plain != "ba7816bf8f01" {
		t.Fatalf("unexpected plain fingerprint %q", plain)
	}

	t.Setenv(EnvKey, "fingerprint-key")
	keyed := Of("abc")
	if len(keyed) != Length || keyed == plain {
		t.Fatalf("unexpected keyed fingerprint %q", keyed)
	}
	if keyed != Of("abc") {
		t.Fatalf("fingerprint not stable")
	}
}
