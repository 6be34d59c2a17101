// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package library discovers cartridges. The configured directory is
// scanned on every listing so operators can drop in a new file without
// restarting the bot; an optional JSONC manifest supplies display
// titles where the formatted file name is not good enough.
package library

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// cartridgeExtensions are the file extensions recognized as
// cartridges, lowercase with dot.
var cartridgeExtensions = map[string]bool{
	".gb":  true,
	".gbc": true,
}

// Entry is one discovered cartridge.
type Entry struct {
	// File is the bare file name within the library directory.
	File string

	// Path is the full path for loading.
	Path string

	// Title is the display title: the manifest override when present,
	// otherwise the formatted file name.
	Title string
}

// Library lists and resolves cartridges in one directory.
type Library struct {
	dir    string
	titles map[string]string
}

// manifest is the JSONC manifest shape: file names mapped to display
// titles. Comments and trailing commas are allowed, matching the other
// hand-edited definition files operators maintain.
type manifest struct {
	Titles map[string]string `json:"titles"`
}

// Open validates the library directory and reads the optional
// manifest. An empty manifestPath means no overrides.
func Open(dir, manifestPath string) (*Library, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("library: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("library: %s is not a directory", dir)
	}

	lib := &Library{dir: dir, titles: map[string]string{}}
	if manifestPath != "" {
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			return nil, fmt.Errorf("library: reading manifest: %w", err)
		}
		var parsed manifest
		if err := json.Unmarshal(jsonc.ToJSON(data), &parsed); err != nil {
			return nil, fmt.Errorf("library: parsing manifest %s: %w", manifestPath, err)
		}
		lib.titles = parsed.Titles
	}
	return lib, nil
}

// List scans the directory and returns all cartridges sorted by file
// name. Subdirectories and foreign extensions are skipped.
func (l *Library) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("library: scanning %s: %w", l.dir, err)
	}

	var entries []Entry
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		name := dirEntry.Name()
		if !cartridgeExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		entries = append(entries, l.entryFor(name))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].File < entries[j].File })
	return entries, nil
}

// Resolve maps a user-supplied cartridge reference (file name, with or
// without extension, case-insensitive) to a concrete entry, verifying
// the file exists and is non-empty. References containing path
// separators or parent traversal are rejected outright.
func (l *Library) Resolve(reference string) (Entry, error) {
	if reference == "" {
		return Entry{}, fmt.Errorf("library: empty cartridge reference")
	}
	if strings.ContainsAny(reference, `/\`) || strings.Contains(reference, "..") {
		return Entry{}, fmt.Errorf("library: invalid cartridge reference %q", reference)
	}

	entries, err := l.List()
	if err != nil {
		return Entry{}, err
	}

	lowered := strings.ToLower(reference)
	for _, entry := range entries {
		fileLower := strings.ToLower(entry.File)
		bare := strings.TrimSuffix(fileLower, strings.ToLower(filepath.Ext(entry.File)))
		if fileLower == lowered || bare == lowered {
			if err := validateCartridge(entry.Path); err != nil {
				return Entry{}, err
			}
			return entry, nil
		}
	}
	return Entry{}, fmt.Errorf("library: no cartridge matches %q", reference)
}

// entryFor builds an Entry, applying the manifest title override.
func (l *Library) entryFor(file string) Entry {
	title, ok := l.titles[file]
	if !ok {
		title = FormatTitle(file)
	}
	return Entry{
		File:  file,
		Path:  filepath.Join(l.dir, file),
		Title: title,
	}
}

// validateCartridge checks a resolved path is a readable, non-empty
// regular file.
func validateCartridge(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("library: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("library: %s is a directory", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("library: %s is empty", path)
	}
	return nil
}

// FormatTitle turns a cartridge file name into a display title: the
// extension goes, underscores and hyphens become spaces, words get
// capitalized. "pokemon_red.gb" becomes "Pokemon Red".
func FormatTitle(file string) string {
	base := strings.TrimSuffix(file, filepath.Ext(file))
	base = strings.ReplaceAll(base, "_", " ")
	base = strings.ReplaceAll(base, "-", " ")

	words := strings.Fields(base)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
