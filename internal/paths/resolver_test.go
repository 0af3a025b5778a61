package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	r := New("/etc/mediabot")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"relative joined", "data/vault.db", filepath.Join("/etc/mediabot", "data", "vault.db")},
		{"dot relative", "./data", filepath.Join("/etc/mediabot", "data")},
		{"parent relative", "../lib/mediabot", filepath.Join("/etc", "lib", "mediabot")},
		{"absolute unchanged", "/var/lib/mediabot", "/var/lib/mediabot"},
		{"empty unchanged", "", ""},
		{"bare tilde", "~", home},
		{"tilde path", "~/mediabot/vault.db", filepath.Join(home, "mediabot", "vault.db")},
		{"tilde user unchanged", "~alice/x", filepath.Join("/etc/mediabot", "~alice/x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_NilResolver(t *testing.T) {
	var r *Resolver
	if got := r.Resolve("data/vault.db"); got != "data/vault.db" {
		t.Errorf("nil Resolve = %q", got)
	}
	if r.Base() != "" {
		t.Errorf("nil Base = %q", r.Base())
	}
}

func TestNew_RelativeBase(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	r := New(".")
	if r.Base() != wd {
		t.Errorf("Base() = %q, want %q", r.Base(), wd)
	}
}
