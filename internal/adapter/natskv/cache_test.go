package natskv

import "testing"

func TestKey(t *testing.T) {
	tests := map[string]string{
		"task:alice:123": "task.alice.123",
		"tasks:bob":      "tasks.bob",
		"plain":          "plain",
		"a b*c>d":        "a_b_c_d",
	}
	for in, want := range tests {
		if got := Key(in); got != want {
			t.Errorf("Key(%q) = %q, want %q", in, got, want)
		}
	}
}
