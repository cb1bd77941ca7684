package store

import "testing"

func TestEscapeGlob(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"task/", "task/"},
		{"wfprogress/wf-1", "wfprogress/wf-1"},
		{"wfprogress/wf-[a]", "wfprogress/wf-\\[a\\]"},
		{"task/order*", "task/order\\*"},
		{"signal/who?", "signal/who\\?"},
		{"x\\y", "x\\\\y"},
	}
	for _, c := range cases {
		if got := escapeGlob(c.in); got != c.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
