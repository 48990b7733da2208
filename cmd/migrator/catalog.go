package main

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// MigrationCatalog validates the on-disk migration files before any of them
// reach the database: filename format, up/down pairing, gap-free sequence,
// and checksum integrity across repeated validations.
type MigrationCatalog struct {
	path      string
	checksums map[string]string // filename -> sha256, for integrity re-checks
}

// MigrationFile contains parsed information about one migration file.
type MigrationFile struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// Migration filename standard: 001_migration_name.up.sql / 001_migration_name.down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// NewMigrationCatalog creates a catalog over the given migrations directory.
func NewMigrationCatalog(path string) *MigrationCatalog {
	return &MigrationCatalog{
		path:      path,
		checksums: make(map[string]string),
	}
}

// List returns all migration files that conform to the naming standard, in
// lexicographic order. Non-conforming files are ignored rather than applied
// in an undefined order.
func (c *MigrationCatalog) List() ([]string, error) {
	entries, err := os.ReadDir(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if migrationFilenameRegex.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate performs the full catalog check. On first run it records file
// checksums; subsequent runs fail if a previously seen file was modified.
func (c *MigrationCatalog) Validate() error {
	if _, err := os.Stat(c.path); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", c.path)
	}

	files, err := c.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no migration files found in directory: %s", c.path)
	}

	parsed := make([]*MigrationFile, 0, len(files))

	for _, file := range files {
		info, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		parsed = append(parsed, info)
	}

	if err := validatePairing(parsed); err != nil {
		return err
	}

	if err := validateSequence(parsed); err != nil {
		return err
	}

	return c.verifyChecksums(files)
}

// Content returns the content of a specific migration file.
func (c *MigrationCatalog) Content(filename string) ([]byte, error) {
	return os.ReadFile(filepath.Join(c.path, filename))
}

// verifyChecksums compares file contents against previously recorded
// checksums, then records the current state.
func (c *MigrationCatalog) verifyChecksums(files []string) error {
	for _, file := range files {
		content, err := c.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		sum := fmt.Sprintf("%x", sha256.Sum256(content))

		if recorded, seen := c.checksums[file]; seen && recorded != sum {
			return fmt.Errorf("checksum mismatch for %s: file has been modified", file)
		}

		c.checksums[file] = sum
	}

	return nil
}

// parseMigrationFilename extracts sequence, name and direction from a filename.
func parseMigrationFilename(filename string) (*MigrationFile, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)", filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &MigrationFile{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures every up migration has a down migration and vice versa.
func validatePairing(files []*MigrationFile) error {
	pairs := make(map[string]map[string]bool) // sequence_name -> direction set

	for _, file := range files {
		key := fmt.Sprintf("%03d_%s", file.Sequence, file.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][file.Direction] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures the sequence starts at 001 and has no gaps.
func validateSequence(files []*MigrationFile) error {
	seen := make(map[int]bool)
	for _, file := range files {
		seen[file.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if sequences[i] != sequences[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", sequences[i-1]+1, sequences[i])
		}
	}

	return nil
}
