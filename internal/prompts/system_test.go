package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestSystem(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		services []Service
		want     []string
		absent   []string
	}{
		{
			name:     "both",
			services: []Service{Radarr, Sonarr},
			want:     []string{"Radarr and Sonarr media collection", "Movies (Radarr)", "TV series (Sonarr)", "I specialize in Radarr and Sonarr"},
		},
		{
			name:     "movies only",
			services: []Service{Radarr},
			want:     []string{"managing the Radarr media collection", "Movies (Radarr)"},
			absent:   []string{"TV series (Sonarr)"},
		},
		{
			name: "none defaults to both",
			want: []string{"Radarr and Sonarr"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := System(tt.services, now)
			if !strings.Contains(p, "Today is 2026-10-19 (Monday)") {
				t.Error("date not injected")
			}
			if strings.Contains(p, "%!") {
				t.Errorf("format verb mismatch:\n%s", p)
			}
			for _, w := range tt.want {
				if !strings.Contains(p, w) {
					t.Errorf("prompt missing %q", w)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(p, a) {
					t.Errorf("prompt should not contain %q", a)
				}
			}
		})
	}
}
