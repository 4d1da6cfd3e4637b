package validation

import (
	"strings"
	"testing"
)

func TestValidatePackageID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid identifiers
		{"reverse dns", "com.example.app", false},
		{"single segment", "memsentry", false},
		{"underscores and digits", "com.example.app_v2", false},
		{"mixed case", "com.Aleutian.MemSentry", false},

		// Invalid identifiers
		{"empty", "", true},
		{"empty segment", "com..app", true},
		{"trailing dot", "com.example.", true},
		{"leading digit segment", "com.1app", true},
		{"flux injection", `app") |> drop()`, true},
		{"tag injection", "app,tier=critical", true},
		{"space", "com.example app", true},
		{"newline", "com.example\napp", true},
		{"too long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePackageID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePackageID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}
