package yaml

import (
	"strings"
	"testing"
)

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		expectedType string
		errMsg       string
	}{
		{
			name:         "valid board header",
			content:      "schema_version: 1\nfile_type: board\ntasks: []\n",
			expectedType: "board",
		},
		{
			name:    "any known type accepted when expectation empty",
			content: "schema_version: 1\nfile_type: results\n",
		},
		{
			name:    "missing schema_version",
			content: "file_type: board\n",
			errMsg:  "invalid schema_version",
		},
		{
			name:    "future schema_version",
			content: "schema_version: 99\nfile_type: board\n",
			errMsg:  "unsupported schema_version",
		},
		{
			name:    "missing file_type",
			content: "schema_version: 1\n",
			errMsg:  "missing file_type",
		},
		{
			name:    "unknown file_type",
			content: "schema_version: 1\nfile_type: ledger\n",
			errMsg:  "unknown file_type",
		},
		{
			name:         "type mismatch",
			content:      "schema_version: 1\nfile_type: results\n",
			expectedType: "board",
			errMsg:       "file_type mismatch",
		},
		{
			name:    "not yaml",
			content: "{{nope",
			errMsg:  "parse yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expectedType)
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error %q does not contain %q", err, tt.errMsg)
			}
		})
	}
}
