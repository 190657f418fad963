package strcase

import "testing"

func TestCamel(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"get-status", "getStatus"},
		{"getStatus", "getStatus"},
		{"set-wifi-password", "setWifiPassword"},
		{"", ""},
		{"-x", "X"},
		{"trailing-", "trailing"},
	}
	for _, tt := range tests {
		if got := Camel(tt.in); got != tt.want {
			t.Errorf("Camel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
