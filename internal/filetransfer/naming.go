package filetransfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// UnknownFilename is used when an announced filename has nothing usable left.
const UnknownFilename = "unknown_file"

// maxCollisions bounds the _N suffix search in CreateUnique.
const maxCollisions = 10000

// SanitizeName reduces an announced filename to a safe base name. The result
// is NFC normalized, has no directory components and no control characters.
func SanitizeName(name string) string {
	name = norm.NFC.String(name)
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	name = strings.Map(func(r rune) rune {
		if r == 0 || unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	if name == "" || name == "." || name == ".." {
		return UnknownFilename
	}
	return name
}

// CollisionName returns the n-th alternative for name: "report.pdf" becomes
// "report_1.pdf", "report_2.pdf" and so on. n == 0 returns name unchanged.
func CollisionName(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		// dotfile such as ".bashrc"
		base, ext = name, ""
	}
	return fmt.Sprintf("%s_%d%s", base, n, ext)
}

// CreateUnique creates a new file for name inside dir, choosing the first
// free collision name. Creation uses O_EXCL, so two concurrent callers never
// receive the same path.
func CreateUnique(dir, name string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create directory %s: %w", dir, err)
	}

	for n := 0; n < maxCollisions; n++ {
		path := filepath.Join(dir, CollisionName(name, n))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("create %s: no free name after %d attempts", name, maxCollisions)
}

// TrimPathArg cleans a path typed on a command line: surrounding spaces and
// one pair of matching quotes are removed.
func TrimPathArg(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
			s = s[1 : len(s)-1]
		}
	}
	return s
}
