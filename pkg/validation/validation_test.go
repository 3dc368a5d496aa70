package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentifiers(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "alice", false},
		{"with dash and underscore", "stream_01-a", false},
		{"empty", "", true},
		{"slash", "a/b", true},
		{"colon", "a:b", true},
		{"space", "a b", true},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateStreamID(tt.id); (err != nil) != tt.wantErr {
				t.Errorf("ValidateStreamID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := ValidateAccountID(tt.id); (err != nil) != tt.wantErr {
				t.Errorf("ValidateAccountID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReference(t *testing.T) {
	tests := []struct {
		name      string
		reference string
		wantErr   bool
	}{
		{"bank transfer id", "tx:2024.10-001", false},
		{"empty", "", true},
		{"slash", "tx/1", true},
		{"too long", strings.Repeat("r", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateReference(tt.reference); (err != nil) != tt.wantErr {
				t.Errorf("ValidateReference() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFeePercent(t *testing.T) {
	for _, p := range []int{0, 10, 100} {
		if err := ValidateFeePercent(p); err != nil {
			t.Errorf("ValidateFeePercent(%d) unexpected error: %v", p, err)
		}
	}
	for _, p := range []int{-1, 101} {
		if err := ValidateFeePercent(p); err == nil {
			t.Errorf("ValidateFeePercent(%d) expected error", p)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"http", "http://localhost:14268/api/traces", false},
		{"wss", "wss://example.com/ws", false},
		{"empty", "", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateURL(tt.url); (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
