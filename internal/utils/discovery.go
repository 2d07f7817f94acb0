package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DiscoverImages expands args into an ordered list of image files. Files are
// kept in argument order; directories contribute their supported images in
// lexical order, descending into subdirectories only when recursive is set.
// Exclude patterns match against the base name and apply to directory
// contents and explicit files alike.
func DiscoverImages(args []string, recursive bool, exclude []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", arg, err)
		}

		if !info.IsDir() {
			if !matchesAny(arg, exclude) {
				files = append(files, arg)
			}
			continue
		}

		found, err := discoverInDirectory(arg, recursive, exclude)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	return files, nil
}

func discoverInDirectory(dir string, recursive bool, exclude []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if IsSupportedImage(path) && !matchesAny(path, exclude) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return files, nil
}

func matchesAny(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
