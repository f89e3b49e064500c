package supervisor

import (
	"fmt"

	"github.com/google/shlex"
)

// TokenizeCommand splits a task's raw command line into argv using shell
// word-splitting rules (quoting, escapes), not naive whitespace-split.
func TokenizeCommand(cmdLine string) ([]string, error) {
	args, err := shlex.Split(cmdLine)
	if err != nil {
		return nil, fmt.Errorf("tokenize command line: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	return args, nil
}
