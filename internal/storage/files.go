// Package storage reads and writes the bot's line-oriented state files under
// the data directory.
package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Path joins a data directory and a relative file name.
func Path(dataDir string, parts ...string) string {
	return filepath.Join(append([]string{dataDir}, parts...)...)
}

// ReadLines returns the non-empty lines of a file. A missing file reads as
// no lines.
func ReadLines(path string) ([]string, error) {
	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return lines, nil
}

// WriteLines replaces a file with lines. The new content is written to a
// temporary file in the same directory and renamed into place, so readers
// see either the old file or the new one.
func WriteLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeLines(tmp, lines); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "syncing %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", path)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return errors.Wrapf(err, "chmod %s", path)
	}
	return errors.Wrapf(os.Rename(tmpName, path), "replacing %s", path)
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeLines(file *os.File, lines []string) error {
	w := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return w.Flush()
}
