package validation

import "testing"

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty is valid", "", false},
		{"simple", "IMG_001", false},
		{"with dot", "case.42", false},
		{"with hyphen", "case-42", false},
		{"digits only", "1234567890", false},
		{"max length", repeatChar("A", 128), false},

		{"injection attempt", `IMG") { hasFinding `, true},
		{"newline injection", "IMG\n|> drop()", true},
		{"spaces", "IMG 001", true},
		{"path traversal", "../../etc/passwd", true},
		{"too long", repeatChar("A", 129), true},
		{"starts with dot", ".IMG", true},
		{"starts with hyphen", "-IMG", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func repeatChar(c string, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = c[0]
	}
	return string(out)
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{"passthrough", "IMG_001", "IMG_001", false},
		{"spaces trimmed", "  IMG_001  ", "IMG_001", false},
		{"invalid rejected", "bad id!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeIdentifier(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizeIdentifier(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}
