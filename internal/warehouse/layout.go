// Package warehouse owns the on-disk Parquet warehouse: the directory layout,
// the per-resource-type writers, and the readers the merger uses. A warehouse
// root contains one subdirectory of part files per resource type and a side
// file enumerating the non-empty types:
//
//	<root>/
//	  Patient/part-00000.parquet
//	  Patient/part-00001.parquet
//	  Observation/part-00000.parquet
//	  _types.txt
package warehouse

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TypesFileName is the side file listing non-empty resource types, one per
// line.
const TypesFileName = "_types.txt"

const partFilePattern = "part-%05d.parquet"

// Root is a warehouse root directory.
type Root struct {
	path string
}

// NewRoot wraps the given directory path; it is created on first write.
func NewRoot(path string) *Root {
	return &Root{path: path}
}

// Path returns the root directory.
func (r *Root) Path() string {
	return r.path
}

// ResourcePath returns the deterministic output directory for a type.
func (r *Root) ResourcePath(resourceType string) string {
	return filepath.Join(r.path, resourceType)
}

// PartFile returns the path of the numbered part file for a type.
func (r *Root) PartFile(resourceType string, part int) string {
	return filepath.Join(r.ResourcePath(resourceType), fmt.Sprintf(partFilePattern, part))
}

// PartFiles lists the Parquet part files of a type in name order. A missing
// type directory yields an empty list.
func (r *Root) PartFiles(resourceType string) ([]string, error) {
	dir := r.ResourcePath(resourceType)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".parquet") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// NonEmptyTypes returns the resource types recorded in the side file; when
// the side file is absent (for example after a forced shutdown) it falls back
// to scanning for type directories that contain part files.
func (r *Root) NonEmptyTypes() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(r.path, TypesFileName))
	if err == nil {
		var types []string
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				types = append(types, line)
			}
		}
		sort.Strings(types)
		return types, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading types file: %w", err)
	}

	entries, err := os.ReadDir(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning warehouse root %s: %w", r.path, err)
	}
	var types []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		files, err := r.PartFiles(entry.Name())
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			types = append(types, entry.Name())
		}
	}
	sort.Strings(types)
	return types, nil
}

// WriteTypesFile records the non-empty resource types in the side file.
func (r *Root) WriteTypesFile(types []string) error {
	sorted := append([]string(nil), types...)
	sort.Strings(sorted)
	if err := os.MkdirAll(r.path, 0o755); err != nil {
		return fmt.Errorf("creating warehouse root %s: %w", r.path, err)
	}
	content := strings.Join(sorted, "\n")
	if len(sorted) > 0 {
		content += "\n"
	}
	path := filepath.Join(r.path, TypesFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing types file %s: %w", path, err)
	}
	return nil
}

// CopyType copies every part file of a type into the destination root,
// keeping file names. The merger uses this for types present in only one
// input.
func (r *Root) CopyType(resourceType string, dest *Root) error {
	files, err := r.PartFiles(resourceType)
	if err != nil {
		return err
	}
	destDir := dest.ResourcePath(resourceType)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", destDir, err)
	}
	for _, src := range files {
		if err := copyFile(src, filepath.Join(destDir, filepath.Base(src))); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
