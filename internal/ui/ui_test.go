package ui

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestRender_PlainWithoutColor(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	for _, tt := range []struct {
		got, want string
	}{
		{RenderPass("ok"), "ok"},
		{RenderStatus("dead"), "dead"},
		{RenderStatus("unknown"), "unknown"},
	} {
		if tt.got != tt.want {
			t.Errorf("rendered %q, want %q", tt.got, tt.want)
		}
	}
}

func TestFeatureForm_Builds(t *testing.T) {
	in := &FeatureInput{Name: "Search"}
	if FeatureForm(in) == nil {
		t.Fatal("FeatureForm() returned nil")
	}
}
