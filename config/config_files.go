package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ReadConfigFiles returns the contents of path. A directory is walked and every
// .yaml or .yml file below it is read in lexical path order. Hidden files and
// directories are skipped so editor leftovers do not end up in the config.
func ReadConfigFiles(path string) ([]string, error) {
	files, err := configFiles(path)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	out := make([]string, 0, len(files))
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}

	return out, nil
}

// configFiles lists the files to load. A path naming a file is used whatever
// its extension.
func configFiles(path string) ([]string, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	i, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !i.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("problem while reading directory %s: %w", filepath.Dir(p), err)
		}
		if p == root {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !isConfigFile(p) {
			return nil
		}

		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func isConfigFile(p string) bool {
	switch filepath.Ext(p) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
