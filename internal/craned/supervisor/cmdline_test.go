package supervisor

import (
	"reflect"
	"testing"
)

func TestTokenizeCommand(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"simple", "echo hello", []string{"echo", "hello"}},
		{"quoted arg", `python3 -c "print(1)"`, []string{"python3", "-c", "print(1)"}},
		{"single quotes", `sh -c 'echo $HOME'`, []string{"sh", "-c", "echo $HOME"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := TokenizeCommand(c.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestTokenizeCommandEmpty(t *testing.T) {
	if _, err := TokenizeCommand("   "); err == nil {
		t.Fatalf("expected error for empty command line")
	}
}

func TestTokenizeCommandUnterminatedQuote(t *testing.T) {
	if _, err := TokenizeCommand(`echo "unterminated`); err == nil {
		t.Fatalf("expected error for unterminated quote")
	}
}
