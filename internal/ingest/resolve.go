package ingest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

// Unit is one resolvable piece of input: a file's contents or a literal
// snippet. Units that could not be read carry their error so the
// pipeline can count them as failures without aborting the session.
type Unit struct {
	Source  string
	Content string
	Err     error
}

// maxUnitSize guards against binary blobs and generated megafiles.
const maxUnitSize = 4 << 20

// Resolve expands an input string into ingestion units. The input is
// tried as a file path, then a directory (walked recursively), then a
// glob pattern; anything else is taken as literal content.
func Resolve(input string) ([]Unit, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}

	if info, err := os.Stat(input); err == nil {
		if info.IsDir() {
			return resolveDir(input)
		}
		return []Unit{readFile(input)}, nil
	}

	if isGlobPattern(input) {
		return resolveGlob(input)
	}

	return []Unit{{Source: "inline", Content: input}}, nil
}

func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func resolveDir(root string) ([]Unit, error) {
	var units []Unit
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			units = append(units, Unit{Source: path, Err: err})
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		units = append(units, readFile(path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return units, nil
}

func resolveGlob(pattern string) ([]Unit, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad glob %q: %w", pattern, err)
	}
	var units []Unit
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			units = append(units, Unit{Source: path, Err: err})
			continue
		}
		if info.IsDir() {
			continue
		}
		units = append(units, readFile(path))
	}
	return units, nil
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor", ".idea", "__pycache__":
		return true
	}
	return false
}

func readFile(path string) Unit {
	info, err := os.Stat(path)
	if err != nil {
		return Unit{Source: path, Err: err}
	}
	if info.Size() > maxUnitSize {
		return Unit{Source: path, Err: fmt.Errorf("file exceeds %d bytes", maxUnitSize)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Unit{Source: path, Err: err}
	}
	if !utf8.Valid(data) {
		return Unit{Source: path, Err: fmt.Errorf("not valid utf-8")}
	}
	return Unit{Source: path, Content: string(data)}
}
