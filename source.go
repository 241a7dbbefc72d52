package gtfs2db

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrSourceNotFound   = errors.New("feed source not found")
	ErrExtractionFailed = errors.New("feed extraction failed")
)

type SourceKind int

const (
	// SourceDirectory is a directory of loose table files.
	SourceDirectory SourceKind = iota
	// SourceArchive is a zip archive extracted to a scratch directory.
	SourceArchive
)

func (k SourceKind) String() string {
	switch k {
	case SourceDirectory:
		return "directory"
	case SourceArchive:
		return "archive"
	default:
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
}

// Source is a located feed. Downstream code only reads table files from
// Dir; for archives that is the extraction directory, removed by Close.
type Source struct {
	Kind SourceKind
	// Path is the directory or archive the feed was found at.
	Path string
	Dir  string

	tables  map[string]string // lower-case file name -> path
	tempDir string
}

// LocateSource resolves feedPath to a directory of table files. A directory
// holding no table files but a zip archive is treated as that archive.
func LocateSource(feedPath string) (*Source, error) {
	info, err := os.Stat(feedPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrSourceNotFound, feedPath)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, err)
	}

	if !info.IsDir() {
		if !strings.EqualFold(filepath.Ext(feedPath), ".zip") {
			return nil, fmt.Errorf("%w: %s is neither a directory nor a zip archive", ErrSourceNotFound, feedPath)
		}
		return extractArchive(feedPath)
	}

	tables, archives, err := scanDirectory(feedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, err)
	}
	if len(tables) > 0 {
		return &Source{Kind: SourceDirectory, Path: feedPath, Dir: feedPath, tables: tables}, nil
	}
	if len(archives) > 0 {
		if len(archives) > 1 {
			slog.Warn(fmt.Sprintf("Found %d archives in %s, using %s", len(archives), feedPath, filepath.Base(archives[0])))
		}
		return extractArchive(archives[0])
	}
	return nil, fmt.Errorf("%w: no table files or archive in %s", ErrSourceNotFound, feedPath)
}

func scanDirectory(dir string) (map[string]string, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	tables := make(map[string]string)
	var archives []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if isTableFile(name) {
			tables[name] = filepath.Join(dir, entry.Name())
		} else if filepath.Ext(name) == ".zip" {
			archives = append(archives, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(archives)
	return tables, archives, nil
}

func extractArchive(archivePath string) (src *Source, err error) {
	archive, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %s", ErrExtractionFailed, archivePath, err)
	}
	defer func() { _ = archive.Close() }()

	tempDir, err := os.MkdirTemp("", "gtfs2db-")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tempDir)
		}
	}()

	tables := make(map[string]string)
	for _, f := range archive.File {
		if f.FileInfo().IsDir() {
			continue
		}
		// Entries are flattened to their base name, so nothing can be
		// written outside tempDir.
		name := strings.ToLower(path.Base(strings.ReplaceAll(f.Name, `\`, "/")))
		if !isTableFile(name) {
			continue
		}
		if _, seen := tables[name]; seen {
			slog.Warn(fmt.Sprintf("Ignoring duplicate %s in %s", f.Name, archivePath))
			continue
		}

		outPath := filepath.Join(tempDir, name)
		if err := extractFile(f, outPath); err != nil {
			return nil, fmt.Errorf("%w: %s in %s: %s", ErrExtractionFailed, f.Name, archivePath, err)
		}
		tables[name] = outPath
	}

	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no table files in %s", ErrSourceNotFound, archivePath)
	}

	slog.Info(fmt.Sprintf("Extracted %d table(s) from %s", len(tables), archivePath))
	return &Source{Kind: SourceArchive, Path: archivePath, Dir: tempDir, tables: tables, tempDir: tempDir}, nil
}

func extractFile(f *zip.File, outPath string) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// TablePath returns the path of the table file named file, matched
// case-insensitively.
func (s *Source) TablePath(file string) (string, bool) {
	p, ok := s.tables[strings.ToLower(file)]
	return p, ok
}

// Close removes the extraction directory of an archive source.
func (s *Source) Close() error {
	if s == nil || s.tempDir == "" {
		return nil
	}
	err := os.RemoveAll(s.tempDir)
	s.tempDir = ""
	return err
}

func isTableFile(name string) bool {
	for _, e := range entities {
		if e.File == name {
			return true
		}
	}
	return false
}
