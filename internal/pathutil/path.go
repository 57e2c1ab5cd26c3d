// Package pathutil expands user-supplied filesystem paths.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves environment variable references and a leading "~" in p.
// A relative path stays relative; callers decide whether to absolutize.
func Expand(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("pathutil: resolve home: %w", err)
	}
	rest := p[1:]
	switch {
	case rest == "":
		return home, nil
	case rest[0] == '/' || rest[0] == '\\':
		return filepath.Join(home, rest[1:]), nil
	default:
		// "~otheruser" lookups are not supported.
		return p, nil
	}
}
