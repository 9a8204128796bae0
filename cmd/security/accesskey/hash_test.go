package accesskey

import (
	"errors"
	"testing"
)

// cheapConfig keeps tests fast.
func cheapConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func TestHashAndVerify(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()
	h, err := cfg.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{name: "match", key: "correct horse battery staple", want: true},
		{name: "mismatch", key: "incorrect horse battery staple", want: false},
		{name: "empty", key: "", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ok, err := cfg.Verify(h, tc.key)
			if err != nil {
				t.Fatalf("Verify error: %v", err)
			}
			if ok != tc.want {
				t.Fatalf("Verify=%v, want %v", ok, tc.want)
			}
		})
	}
}

func TestVerify_InvalidHash(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()
	for _, h := range []string{
		"not-a-hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=99999999,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2hoYXNoaGFzaA",
	} {
		ok, err := cfg.Verify(h, "whatever")
		if !errors.Is(err, ErrInvalidHash) || ok {
			t.Fatalf("Verify(%q) = %v, %v; want false, ErrInvalidHash", h, ok, err)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()
	cfg.Policy.MinLength = 8
	cfg.Policy.MaxLength = 16

	tests := []struct {
		key  string
		want error
	}{
		{key: "short", want: ErrKeyTooShort},
		{key: "this key is far too long", want: ErrKeyTooLong},
		{key: "aaaaaaaaaa", want: ErrWeakKey},
		{key: "abababababab", want: ErrWeakKey},
		{key: "k3y-for-relay", want: nil},
	}
	for _, tc := range tests {
		if err := cfg.Validate(tc.key); !errors.Is(err, tc.want) {
			t.Fatalf("Validate(%q)=%v, want %v", tc.key, err, tc.want)
		}
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	a, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a == b || len(a) != 43 {
		t.Fatalf("unexpected keys %q %q", a, b)
	}
	if err := DefaultConfig().Validate(a); err != nil {
		t.Fatalf("generated key fails policy: %v", err)
	}
}

func BenchmarkVerify_DefaultConfig(b *testing.B) {
	cfg := DefaultConfig()
	key := "correct horse battery staple"
	h, err := cfg.Hash(key)
	if err != nil {
		b.Fatalf("Hash error: %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		if ok, err := cfg.Verify(h, key); err != nil || !ok {
			b.Fatalf("Verify failed: ok=%v err=%v", ok, err)
		}
	}
}
