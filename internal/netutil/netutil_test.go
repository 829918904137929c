package netutil

import "testing"

func TestIsLoopback(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"localhost", true},
		{"localhost:7070", true},
		{"127.0.0.1", true},
		{"127.0.0.1:443", true},
		{"::1", true},
		{"[::1]:443", true},
		{"example.com", false},
		{"example.com:443", false},
		{"203.0.113.5", false},
		{"", false},
	}

	for _, tc := range cases {
		if got := IsLoopback(tc.addr); got != tc.want {
			t.Errorf("IsLoopback(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
