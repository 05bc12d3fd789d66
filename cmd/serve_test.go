package cmd

import "testing"

func TestValidateListenAddr(t *testing.T) {
	tests := []struct {
		name        string
		addr        string
		token       string
		allowRemote bool
		wantErr     bool
	}{
		{"loopback v4", "127.0.0.1:7681", "", false, false},
		{"loopback v6", "[::1]:7681", "", false, false},
		{"localhost", "localhost:7681", "", false, false},
		{"all interfaces rejected", "0.0.0.0:7681", "tok", false, true},
		{"empty host rejected", ":7681", "tok", false, true},
		{"remote without token", "0.0.0.0:7681", "", true, true},
		{"remote with token", "0.0.0.0:7681", "tok", true, false},
		{"lan address with token", "192.168.1.10:7681", "tok", true, false},
		{"missing port", "127.0.0.1", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateListenAddr(tt.addr, tt.token, tt.allowRemote)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateListenAddr(%q, %q, %v) error = %v, wantErr %v", tt.addr, tt.token, tt.allowRemote, err, tt.wantErr)
			}
		})
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "n/a"},
		{"short", "****"},
		{"tb_abcdefghijklmnop", "tb_a...mnop"},
	}
	for _, tt := range tests {
		if got := maskToken(tt.in); got != tt.want {
			t.Errorf("maskToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBoolStatus(t *testing.T) {
	if boolStatus(true) != "yes" || boolStatus(false) != "no" {
		t.Error("boolStatus mismatch")
	}
	if valueOrNA("") != "n/a" || valueOrNA("x") != "x" {
		t.Error("valueOrNA mismatch")
	}
}
