package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const partialSuffix = ".part"

// stagingPath resolves the local path of an archive inside the staging directory.
// Names must be plain file names without separators.
func stagingPath(stagingDir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("refusing unsafe file name %q", name)
	}

	absolutePath, err := filepath.Abs(filepath.Join(stagingDir, name))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	return absolutePath, nil
}

// saveStream writes the output of fill into stagingDir/name. Data goes to a
// partial file first and is renamed into place only after fill succeeds.
func saveStream(stagingDir, name string, fill func(w io.Writer) error) (string, error) {
	localPath, err := stagingPath(stagingDir, name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	partPath := localPath + partialSuffix
	destFile, err := os.Create(partPath)
	if err != nil {
		return "", fmt.Errorf("failed to create destination file: %w", err)
	}

	if err := fill(destFile); err != nil {
		_ = destFile.Close()
		_ = os.Remove(partPath)
		return "", err
	}
	if err := destFile.Close(); err != nil {
		_ = os.Remove(partPath)
		return "", fmt.Errorf("failed to close destination file: %w", err)
	}
	if err := os.Rename(partPath, localPath); err != nil {
		_ = os.Remove(partPath)
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return localPath, nil
}

// listStaged returns the names of complete files waiting in the staging directory.
func listStaged(stagingDir string) ([]string, error) {
	entries, err := os.ReadDir(stagingDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
