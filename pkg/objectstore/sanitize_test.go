package objectstore

import "testing"

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean key", "docs/report.pdf", "docs/report.pdf"},
		{"space", "my file.txt", "my_SPACE_file.txt"},
		{"plus", "a+b.txt", "a_PLUS_b.txt"},
		{"query chars", "q?a=1&b=2", "q_QUESTION_a_EQUALS_1_AMPERSAND_b_EQUALS_2"},
		{"percent first", "50%off.txt", "50_PERCENT_off.txt"},
		{"all tokens", "%+=:?&#;@ ", "_PERCENT__PLUS__EQUALS__COLON__QUESTION__AMPERSAND__HASH__SEMICOLON__AT__SPACE_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeKey(tt.in)
			if got != tt.want {
				t.Errorf("SanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if back := DesanitizeKey(got); back != tt.in {
				t.Errorf("DesanitizeKey(%q) = %q, want %q", got, back, tt.in)
			}
		})
	}
}

func TestSanitizeKey_Idempotent(t *testing.T) {
	// A key with nothing to rewrite passes through both directions.
	in := "a/b/c-d_e.f"
	if got := SanitizeKey(in); got != in {
		t.Errorf("SanitizeKey(%q) = %q", in, got)
	}
	if got := DesanitizeKey(in); got != in {
		t.Errorf("DesanitizeKey(%q) = %q", in, got)
	}
}
