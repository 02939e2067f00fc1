package security

import (
	"testing"
)

// Only IP-literal and blocked-hostname cases are covered here; they are
// checked before any DNS resolution happens.
func TestValidateEndpointURL_BlockedAddresses(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"loopback", "http://127.0.0.1:8080/api"},
		{"loopback v6", "http://[::1]/api"},
		{"private 10", "https://10.0.0.5/hook"},
		{"private 192.168", "https://192.168.1.10"},
		{"link-local metadata", "http://169.254.169.254/latest/meta-data"},
		{"unspecified", "http://0.0.0.0:9000"},
		{"localhost by name", "http://localhost:3000"},
		{"gcp metadata hostname", "http://metadata.google.internal/computeMetadata"},
		{"bad scheme", "ftp://example.com/file"},
		{"no host", "https:///path"},
		{"garbage", "://nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateEndpointURL(tt.url); err == nil {
				t.Errorf("ValidateEndpointURL(%q) = nil, want error", tt.url)
			}
		})
	}
}

func TestValidateEndpointURL_AllowsPublicLiterals(t *testing.T) {
	// A public IP literal passes without DNS.
	if err := ValidateEndpointURL("https://93.184.216.34/v1"); err != nil {
		t.Errorf("expected public IP literal to pass, got %v", err)
	}
}
