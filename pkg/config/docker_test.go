package config

import (
	"testing"
)

func TestResolveHost(t *testing.T) {
	tests := []struct {
		host        string
		inContainer bool
		expected    string
	}{
		{"localhost", false, "localhost"},
		{"127.0.0.1", false, "127.0.0.1"},
		{"localhost", true, "host.docker.internal"},
		{"127.0.0.1", true, "host.docker.internal"},
		{"::1", true, "host.docker.internal"},
		{"postgres", true, "postgres"},
		{"mydb.example.com", true, "mydb.example.com"},
		{"host.docker.internal", true, "host.docker.internal"},
	}

	for _, tt := range tests {
		if got := resolveHost(tt.host, tt.inContainer); got != tt.expected {
			t.Errorf("resolveHost(%q, %v) = %q, want %q", tt.host, tt.inContainer, got, tt.expected)
		}
	}
}

func TestResolveHostForDocker_NonLoopbackUnchanged(t *testing.T) {
	// These hosts are never rewritten, whatever the runtime.
	for _, host := range []string{"mydb.example.com", "192.168.1.100", "redis"} {
		if got := ResolveHostForDocker(host); got != host {
			t.Errorf("ResolveHostForDocker(%q) = %q, want unchanged", host, got)
		}
	}
}

func TestIsRunningInDocker_Cached(t *testing.T) {
	first := IsRunningInDocker()
	for i := 0; i < 3; i++ {
		if IsRunningInDocker() != first {
			t.Fatal("expected cached result")
		}
	}
}
