package tydom

import "testing"

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"00:1A:25:AA:BB:CC", "001A25AABBCC", false},
		{"00-1a-25-aa-bb-cc", "001A25AABBCC", false},
		{"00 1A 25 AA BB CC", "001A25AABBCC", false},
		{"001A25AABBCC", "001A25AABBCC", false},
		{"001a25aabbcc", "001A25AABBCC", false},
		{"00:1A:25", "", true},
		{"00:1A:25:AA:BB:CG", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeMAC(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeMAC(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeMAC(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeMAC(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeMACIdempotent(t *testing.T) {
	once, err := NormalizeMAC("00:1a:25:aa:bb:cc")
	if err != nil {
		t.Fatal(err)
	}
	twice, err := NormalizeMAC(once)
	if err != nil {
		t.Fatal(err)
	}
	if once != twice {
		t.Errorf("normalize(normalize(x)) = %q, want %q", twice, once)
	}
}

func TestConfigURLs(t *testing.T) {
	cfg := Config{Host: "192.168.1.50", MAC: "001A25AABBCC"}
	if got := cfg.websocketURL(); got != "wss://192.168.1.50:443/mediation/client?mac=001A25AABBCC&appli=1" {
		t.Errorf("ws url = %q", got)
	}
	if got := cfg.challengeURL(); got != "https://192.168.1.50:443/mediation/client?mac=001A25AABBCC&appli=1" {
		t.Errorf("challenge url = %q", got)
	}

	// A host that already carries a port keeps it (test servers).
	cfg.Host = "127.0.0.1:8443"
	if got := cfg.websocketURL(); got != "wss://127.0.0.1:8443/mediation/client?mac=001A25AABBCC&appli=1" {
		t.Errorf("ws url = %q", got)
	}
}
