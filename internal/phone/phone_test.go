package phone

import "testing"

func TestFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"already e164", "+12024561111", "+12024561111", false},
		{"national", "(202) 456-1111", "+12024561111", false},
		{"bare digits", "2024561111", "+12024561111", false},
		{"international", "+447911123456", "+447911123456", false},
		{"unassigned area code", "not-a-number", "", true},
		{"empty", "", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Format(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Format(%q) succeeded, expected error", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Format(%q): %v", tc.input, err)
			}
			if got != tc.want {
				t.Fatalf("Format(%q)=%q, expected %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestFormatOrOriginal(t *testing.T) {
	if got := FormatOrOriginal("(202) 456-1111"); got != "+12024561111" {
		t.Fatalf("FormatOrOriginal=%q", got)
	}
	if got := FormatOrOriginal("88022"); got != "88022" {
		t.Fatalf("expected short-code fallback to original, got %q", got)
	}
}
