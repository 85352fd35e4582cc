package backend

import (
	"os"
	"testing"
)

func TestExpandEnv(t *testing.T) {
	os.Setenv("TERMIHUB_TEST_VAR", "secret")
	defer os.Unsetenv("TERMIHUB_TEST_VAR")

	got := ExpandEnv("token=${env:TERMIHUB_TEST_VAR}")
	if got != "token=secret" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvUnset(t *testing.T) {
	os.Unsetenv("TERMIHUB_DEFINITELY_UNSET")
	got := ExpandEnv("x=${env:TERMIHUB_DEFINITELY_UNSET}")
	if got != "x=" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandTilde(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandTilde("~/id_rsa"); got != home+"/id_rsa" {
		t.Fatalf("got %q", got)
	}
	if got := ExpandTilde("~"); got != home {
		t.Fatalf("got %q", got)
	}
	if got := ExpandTilde("/etc/passwd"); got != "/etc/passwd" {
		t.Fatalf("got %q", got)
	}
}

func TestTrimQuotes(t *testing.T) {
	cases := map[string]string{
		`"/a/b"`:   "/a/b",
		`'/a/b'`:   "/a/b",
		"/a/b":     "/a/b",
		`"unterm`:  `"unterm`,
	}
	for in, want := range cases {
		if got := TrimQuotes(in); got != want {
			t.Fatalf("TrimQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}
