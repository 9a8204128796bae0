package accesskey

import "testing"

func TestFromEnv_Override(t *testing.T) {
	t.Setenv("SCRIBE_ACCESS_KEY_MIN_LEN", "10")
	t.Setenv("SCRIBE_ACCESS_KEY_MAX_LEN", "200")
	t.Setenv("SCRIBE_ACCESS_KEY_REJECT_WEAK", "false")
	t.Setenv("SCRIBE_ARGON2_MEMORY_KIB", "32768")
	t.Setenv("SCRIBE_ARGON2_ITERATIONS", "4")
	t.Setenv("SCRIBE_ARGON2_PARALLELISM", "2")
	t.Setenv("SCRIBE_ARGON2_SALT_LEN", "24")
	t.Setenv("SCRIBE_ARGON2_KEY_LEN", "32")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}

	if cfg.Policy.MinLength != 10 || cfg.Policy.MaxLength != 200 || cfg.Policy.RejectVeryWeak {
		t.Fatalf("policy override failed: %+v", cfg.Policy)
	}
	if cfg.Params.MemoryKiB != 32768 || cfg.Params.Iterations != 4 || cfg.Params.Parallelism != 2 {
		t.Fatalf("argon2 override failed: %+v", cfg.Params)
	}
	if cfg.Params.SaltLength != 24 || cfg.Params.KeyLength != 32 {
		t.Fatalf("len override failed: %+v", cfg.Params)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "min above max", env: map[string]string{"SCRIBE_ACCESS_KEY_MIN_LEN": "20", "SCRIBE_ACCESS_KEY_MAX_LEN": "10"}},
		{name: "memory too small", env: map[string]string{"SCRIBE_ARGON2_MEMORY_KIB": "1024"}},
		{name: "bad bool", env: map[string]string{"SCRIBE_ACCESS_KEY_REJECT_WEAK": "maybe"}},
		{name: "not a number", env: map[string]string{"SCRIBE_ARGON2_ITERATIONS": "many"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
