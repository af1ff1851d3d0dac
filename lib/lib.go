package lib

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

func IsTTY(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}

	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// ExpandPath resolves a leading "~" and returns a cleaned absolute path.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

// HomeDir returns the current user's home directory, or "." when it cannot
// be determined.
func HomeDir() string {
	home, err := homedir.Dir()
	if err != nil || home == "" {
		return "."
	}
	return home
}
