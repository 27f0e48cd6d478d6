package services

import (
	"strings"
	"testing"
)

func TestSanitizeContent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		maxLen  int
		want    string
		wantErr error
	}{
		{"plain", "hello there", 100, "hello there", nil},
		{"trims", "  hi  \n", 100, "hi", nil},
		{"strips tags", "<b>bold</b> move", 100, "bold move", nil},
		{"drops script", "hi<script>alert(1)</script>", 100, "hi", nil},
		{"decodes entities", "fish &amp; chips", 100, "fish & chips", nil},
		{"keeps comparison", "a < b", 100, "a < b", nil},
		{"keeps less-than in prose", "if x<y then pay", 100, "if x<y then pay", nil},
		{"keeps angle pair in prose", "cost a<b, offer c>d", 100, "cost a<b, offer c>d", nil},
		{"keeps unbalanced tag text", "I know <b> tags", 100, "I know <b> tags", nil},
		{"markup with stray less-than", "<b>deal</b> if x<y", 100, "deal if x<y", nil},
		{"entity with stray less-than", "a<b &amp; c", 100, "a<b & c", nil},
		{"keeps breaks", "line one<br>line two", 100, "line one\nline two", nil},
		{"collapses blank lines", "a\n\n\n\n\nb", 100, "a\n\nb", nil},
		{"empty", "   ", 100, "", ErrEmptyMessage},
		{"only markup", "<p> </p>", 100, "", ErrEmptyMessage},
		{"too long", strings.Repeat("x", 11), 10, "", ErrMessageTooLong},
		{"runes not bytes", strings.Repeat("ж", 10), 10, strings.Repeat("ж", 10), nil},
		{"no limit", strings.Repeat("x", 5000), 0, strings.Repeat("x", 5000), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeContent(tt.input, tt.maxLen)
			if err != tt.wantErr {
				t.Fatalf("SanitizeContent(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeContent(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
