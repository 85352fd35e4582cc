package sshbackend

import "testing"

func TestParseDisplay(t *testing.T) {
	cases := []struct {
		display  string
		wantHost string
		wantNum  int
		wantErr  bool
	}{
		{":0", "", 0, false},
		{":0.0", "", 0, false},
		{":10.0", "", 10, false},
		{"localhost:10.0", "localhost", 10, false},
		{"myhost:5.0", "myhost", 5, false},
		{"", "", 0, true},
		{"nodisplay", "", 0, true},
		{":abc", "", 0, true},
	}
	for _, c := range cases {
		host, num, err := parseDisplay(c.display)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseDisplay(%q): expected error", c.display)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseDisplay(%q): unexpected error: %v", c.display, err)
			continue
		}
		if host != c.wantHost || num != c.wantNum {
			t.Errorf("parseDisplay(%q) = (%q, %d), want (%q, %d)", c.display, host, num, c.wantHost, c.wantNum)
		}
	}
}
