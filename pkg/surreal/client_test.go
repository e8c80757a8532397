package surreal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid simple", "identity_snapshots", false},
		{"Valid with numbers", "table1", false},
		{"Valid with mixed case", "Snapshots", false},
		{"Invalid empty", "", true},
		{"Invalid space", "identity snapshots", true},
		{"Invalid dash", "identity-snapshots", true},
		{"Invalid SQL injection", "snapshots; REMOVE TABLE snapshots", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "wss://db.example.com/rpc", NormalizeHost("db.example.com"))
	assert.Equal(t, "ws://localhost:8000/rpc", NormalizeHost("ws://localhost:8000/rpc"))
	assert.Equal(t, "https://db.example.com", NormalizeHost("https://db.example.com"))
	assert.Equal(t, "wss://db.example.com/rpc", NormalizeHost("wss://db.example.com/rpc"))
	assert.Equal(t, "wss://ws/rpc", NormalizeHost("ws"), "a short bare host is not mistaken for a scheme")
}
