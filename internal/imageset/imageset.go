// Package imageset resolves the ordered set of images a certification run
// iterates over.
package imageset

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// Extensions lists the recognized image extensions, lowercase.
var Extensions = []string{".png", ".jpg", ".jpeg"}

// IsImage reports whether name ends with a recognized image extension,
// ignoring case.
func IsImage(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range Extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Resolve lists dir non-recursively and returns the names of image files
// sorted ascending by byte order. An empty result is not an error.
func Resolve(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "reading image directory", err).
			WithDetail("image_dir", dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsImage(e.Name()) {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)
	return names, nil
}

// Paths joins each name onto dir.
func Paths(dir string, names []string) []string {
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths
}

// DetectMIME returns the MIME type of image data, falling back to the file
// extension when the content is not recognized.
func DetectMIME(data []byte, name string) string {
	if mime := http.DetectContentType(data); strings.HasPrefix(mime, "image/") {
		return mime
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}
