// Package bundle saves ledger records to disk as editable message files.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-appsec/authdiff/authdiff/protocol"
)

const (
	DefaultDir = "authdiff-records"

	metaFile             = "record.meta.json"
	originalRequestFile  = "original.request.http"
	originalResponseFile = "original.response.http"
	modifiedRequestFile  = "modified.request.http"
	modifiedResponseFile = "modified.response.http"
)

// Meta is record bundle metadata.
type Meta struct {
	RecordID   string `json:"record_id"`
	SavedAt    string `json:"saved_at"`
	Method     string `json:"method"`
	Host       string `json:"host"`
	Path       string `json:"path"`
	Target     string `json:"target"`
	Verdict    string `json:"verdict"`
	OrigStatus int    `json:"orig_status"`
	ModStatus  int    `json:"mod_status"`
	Source     string `json:"source"`
	SourceID   string `json:"source_id"`
	Notes      string `json:"notes,omitempty"`
}

// Bundle is a record as read back from disk. Missing responses are empty.
type Bundle struct {
	Meta             Meta
	OriginalRequest  []byte
	OriginalResponse []byte
	ModifiedRequest  []byte
	ModifiedResponse []byte
}

// Write saves rec under dir/<record id>, or ./authdiff-records/<record id> when dir is empty.
// Uses restrictive permissions (0700 dirs, 0600 files) and rejects symlinks.
func Write(dir string, rec *protocol.LedgerGetResponse) (string, error) {
	if rec.ID == "" {
		return "", errors.New("record has no id")
	}
	if dir == "" {
		dir = DefaultDir
	}
	bundleDir := filepath.Join(dir, rec.ID)
	if err := mkdirAllSafe(bundleDir, 0700); err != nil {
		return "", fmt.Errorf("create bundle directory: %w", err)
	}

	files := []struct {
		name    string
		content string
	}{
		{originalRequestFile, rec.OrigRequest},
		{originalResponseFile, rec.OrigResponse},
		{modifiedRequestFile, rec.ModRequest},
		{modifiedResponseFile, rec.ModResponse},
	}
	for _, f := range files {
		path := filepath.Join(bundleDir, f.name)
		if f.content == "" {
			if err := removeStale(path); err != nil {
				return "", err
			}
			continue
		}
		if err := writeFileSafe(path, []byte(f.content), 0600); err != nil {
			return "", fmt.Errorf("write %s: %w", f.name, err)
		}
	}

	meta := Meta{
		RecordID:   rec.ID,
		SavedAt:    time.Now().UTC().Format(time.RFC3339),
		Method:     rec.Method,
		Host:       rec.Host,
		Path:       rec.Path,
		Target:     rec.Origin.Target,
		Verdict:    rec.Verdict,
		OrigStatus: rec.OrigStatus,
		ModStatus:  rec.ModStatus,
		Source:     rec.Origin.Source,
		SourceID:   rec.Origin.SourceID,
		Notes:      rec.Origin.Notes,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal meta: %w", err)
	} else if err := writeFileSafe(filepath.Join(bundleDir, metaFile), metaBytes, 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", metaFile, err)
	}

	return bundleDir, nil
}

// removeStale deletes a message file left over from an earlier save.
func removeStale(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	} else if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing to remove symlink: %s", path)
	}
	return os.Remove(path)
}

// mkdirAllSafe creates directories with symlink protection.
func mkdirAllSafe(path string, perm os.FileMode) error {
	path = filepath.Clean(path)

	parts := splitPath(path)
	var current string
	if filepath.IsAbs(path) {
		current = string(filepath.Separator)
	}

	for _, part := range parts {
		current = filepath.Join(current, part)

		info, err := os.Lstat(current)
		if os.IsNotExist(err) {
			if err := os.Mkdir(current, perm); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return err
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("refusing to traverse symlink: %s", current)
		} else if !info.IsDir() {
			return fmt.Errorf("path component is not a directory: %s", current)
		}
	}
	return nil
}

// writeFileSafe writes a file with symlink protection.
func writeFileSafe(path string, data []byte, perm os.FileMode) error {
	info, err := os.Lstat(path)
	if err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("refusing to write to symlink: %s", path)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, data, perm)
}

func splitPath(path string) []string {
	var parts []string
	for path != "" && path != "." && path != string(filepath.Separator) {
		dir, file := filepath.Split(path)
		if file != "" {
			parts = append([]string{file}, parts...)
		}
		path = filepath.Clean(dir)
		if path == "." {
			break
		}
	}
	return parts
}

// Read loads a record bundle. The metadata and the original request are required.
func Read(bundleDir string) (*Bundle, error) {
	metaBytes, err := os.ReadFile(filepath.Join(bundleDir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	b := &Bundle{}
	if err := json.Unmarshal(metaBytes, &b.Meta); err != nil {
		return nil, fmt.Errorf("parse meta: %w", err)
	}

	b.OriginalRequest, err = os.ReadFile(filepath.Join(bundleDir, originalRequestFile))
	if err != nil {
		return nil, fmt.Errorf("read original request: %w", err)
	}
	for _, f := range []struct {
		name string
		dst  *[]byte
	}{
		{originalResponseFile, &b.OriginalResponse},
		{modifiedRequestFile, &b.ModifiedRequest},
		{modifiedResponseFile, &b.ModifiedResponse},
	} {
		data, err := os.ReadFile(filepath.Join(bundleDir, f.name))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", f.name, err)
		}
		*f.dst = data
	}
	return b, nil
}

// ResolvePath resolves a bundle path argument.
// Tries the argument as-is first, then as ./authdiff-records/<arg>/.
func ResolvePath(arg string) (string, error) {
	if _, err := os.Stat(filepath.Join(arg, metaFile)); err == nil {
		return arg, nil
	}

	defaultPath := filepath.Join(DefaultDir, arg)
	if _, err := os.Stat(filepath.Join(defaultPath, metaFile)); err == nil {
		return defaultPath, nil
	}

	return "", fmt.Errorf("bundle not found at %q or %q", arg, defaultPath)
}
