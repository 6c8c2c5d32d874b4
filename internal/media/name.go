package media

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Stem strips directories and the extension from a caller supplied file name.
// "uploads/photo.png" becomes "photo".
func Stem(fileName string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + strings.TrimSpace(fileName)))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, fileName)
	}
	return name, nil
}
