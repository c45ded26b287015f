package model

import "testing"

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		wantErr bool
	}{
		{StatusPending, StatusSpawned, false},
		{StatusSpawned, StatusMerged, false},
		{StatusSpawned, StatusFailed, false},
		{StatusSpawned, StatusPending, false},
		{StatusFailed, StatusSpawned, false},
		{StatusPending, StatusMerged, true},
		{StatusPending, StatusFailed, true},
		{StatusFailed, StatusMerged, true},
		{StatusFailed, StatusPending, true},
		{StatusMerged, StatusSpawned, true},
		{StatusMerged, StatusPending, true},
	}
	for _, tt := range tests {
		err := ValidateTaskTransition(tt.from, tt.to)
		if tt.wantErr && err == nil {
			t.Errorf("%s → %s: expected error", tt.from, tt.to)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s → %s: unexpected error %v", tt.from, tt.to, err)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(StatusMerged) {
		t.Error("merged should be terminal")
	}
	for _, s := range []Status{StatusPending, StatusSpawned, StatusFailed} {
		if IsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
