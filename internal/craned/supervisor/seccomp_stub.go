//go:build !linux

package supervisor

import "fmt"

func ApplySeccomp(profilePath string) error {
	return fmt.Errorf("seccomp unsupported on this platform")
}
