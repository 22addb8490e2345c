package datasets

import (
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrNoArchive is returned when no NPZ archive matches.
var ErrNoArchive = errors.New("no NPZ archive found")

// Auto-discovery helpers

// DefaultNPZPatterns are the locations searched when no data path is given.
var DefaultNPZPatterns = []string{
	"data/*.npz",
	"../data/*.npz",
	"*.npz",
}

// AutoFindNPZ returns the first archive matching one of the patterns.
func AutoFindNPZ(patterns []string) (string, error) {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err == nil && len(matches) > 0 {
			return matches[0], nil
		}
	}
	return "", errors.Wrapf(ErrNoArchive, "searched %v", patterns)
}

// FindNPZInDir finds the first NPZ archive in a specified directory.
func FindNPZInDir(dir string) (string, error) {
	pattern := filepath.Join(dir, "*.npz")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", errors.Wrapf(err, "glob %s", pattern)
	}
	if len(matches) == 0 {
		return "", errors.Wrapf(ErrNoArchive, "in %s", dir)
	}
	return matches[0], nil
}
