package cli

import (
	"testing"
)

func TestValidateStockCode(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{name: "shanghai main board", code: "601138", wantErr: false},
		{name: "shenzhen main board", code: "000001", wantErr: false},
		{name: "chinext", code: "300750", wantErr: false},
		{name: "too short", code: "60113", wantErr: true},
		{name: "too long", code: "6011380", wantErr: true},
		{name: "letters", code: "60113a", wantErr: true},
		{name: "empty", code: "", wantErr: true},
		{name: "prefixed", code: "SH601138", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStockCode(tt.code)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStockCode(%q) error = %v, wantErr %v", tt.code, err, tt.wantErr)
			}
		})
	}
}

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid input",
			input:   "manual stop requested by operator",
			wantErr: false,
		},
		{
			name:    "malicious command injection",
			input:   "ls; rm -rf /",
			wantErr: true,
			errMsg:  "potentially malicious input detected",
		},
		{
			name:    "path traversal attempt",
			input:   "../../../etc/passwd",
			wantErr: true,
			errMsg:  "potentially malicious input detected",
		},
		{
			name:    "sql injection attempt",
			input:   "'; DROP TABLE positions; --",
			wantErr: true,
			errMsg:  "potentially malicious input detected",
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: false,
		},
		{
			name:    "input with spaces",
			input:   "rebalancing before earnings",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInput(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInput() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMsg != "" && err.Error() != tt.errMsg {
				t.Errorf("ValidateInput() error message = %v, want %v", err.Error(), tt.errMsg)
			}
		})
	}
}
