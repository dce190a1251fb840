package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/ledger"
)

// Config names the two ledger files. The extension selects the format.
type Config struct {
	ResultsPath   string `mapstructure:"results_path"`
	UnmatchedPath string `mapstructure:"unmatched_path"`
}

// LedgerStore implements ledger.Store on two tabular files.
type LedgerStore struct {
	resultsPath   string
	unmatchedPath string
	resultsFormat Format
}

var _ ledger.Store = (*LedgerStore)(nil)

const (
	colID        = "id"
	colName      = "name"
	colContacts  = "contacts"
	colComplete  = "complete"
	contactsPart = "contacts_"
)

// New validates cfg and checks that the output directories are writable.
func New(cfg Config) (*LedgerStore, error) {
	if strings.TrimSpace(cfg.ResultsPath) == "" {
		return nil, fmt.Errorf("results path is required")
	}
	if strings.TrimSpace(cfg.UnmatchedPath) == "" {
		return nil, fmt.Errorf("unmatched path is required")
	}
	format, err := FormatFor(cfg.ResultsPath)
	if err != nil {
		return nil, err
	}
	if _, err := FormatFor(cfg.UnmatchedPath); err != nil {
		return nil, err
	}
	for _, p := range []string{cfg.ResultsPath, cfg.UnmatchedPath} {
		if err := checkWritableDir(filepath.Dir(p)); err != nil {
			return nil, err
		}
	}
	return &LedgerStore{
		resultsPath:   cfg.ResultsPath,
		unmatchedPath: cfg.UnmatchedPath,
		resultsFormat: format,
	}, nil
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat output directory: %w", err)
		}
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("failed to create output directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("output path %s is not a directory", dir)
	}
	scratch, err := os.CreateTemp(dir, ".writable_test*")
	if err != nil {
		return fmt.Errorf("output directory is not writable: %w", err)
	}
	name := scratch.Name()
	_ = scratch.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("failed to clean up test file: %w", err)
	}
	return nil
}

// Load reads both files; missing files are empty tables. A results table
// without a complete column is treated as fully done.
func (s *LedgerStore) Load(context.Context) (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	results, err := readIfExists(s.resultsPath)
	if err != nil {
		return snap, err
	}
	if snap.Results, err = decodeResults(results); err != nil {
		return snap, fmt.Errorf("%s: %w", s.resultsPath, err)
	}
	unmatched, err := readIfExists(s.unmatchedPath)
	if err != nil {
		return snap, err
	}
	if snap.Unmatched, err = decodeUnmatched(unmatched); err != nil {
		return snap, fmt.Errorf("%s: %w", s.unmatchedPath, err)
	}
	return snap, nil
}

// WriteResults implements ledger.Store.
func (s *LedgerStore) WriteResults(_ context.Context, rows []harvest.EntityResult) error {
	t, err := encodeResults(rows, s.resultsFormat.cellLimit())
	if err != nil {
		return err
	}
	return WriteTable(s.resultsPath, t)
}

// WriteUnmatched implements ledger.Store. An empty list writes no file.
func (s *LedgerStore) WriteUnmatched(_ context.Context, rows []harvest.UnmatchedEntity) error {
	if len(rows) == 0 {
		return Remove(s.unmatchedPath)
	}
	t := Table{Header: []string{colID, colName}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{r.ID, r.Name})
	}
	return WriteTable(s.unmatchedPath, t)
}

// Reset deletes both files.
func (s *LedgerStore) Reset(context.Context) error {
	return errors.Join(Remove(s.resultsPath), Remove(s.unmatchedPath))
}

// Paths returns the results and unmatched file locations.
func (s *LedgerStore) Paths() (results, unmatched string) {
	return s.resultsPath, s.unmatchedPath
}

func readIfExists(path string) (Table, error) {
	t, err := ReadTable(path)
	if errors.Is(err, os.ErrNotExist) {
		return Table{}, nil
	}
	return t, err
}

// encodeResults serializes contacts as a JSON array. When the array exceeds
// limit it continues in contacts_2, contacts_3, ... columns.
func encodeResults(rows []harvest.EntityResult, limit int) (Table, error) {
	encoded := make([][]string, len(rows))
	parts := 1
	for i, r := range rows {
		contacts := r.Contacts
		if contacts == nil {
			contacts = []harvest.Contact{}
		}
		data, err := json.Marshal(contacts)
		if err != nil {
			return Table{}, fmt.Errorf("encode contacts for %s: %w", r.ID, err)
		}
		encoded[i] = chunk(string(data), limit)
		parts = max(parts, len(encoded[i]))
	}
	header := []string{colID, colName, colContacts, colComplete}
	for p := 2; p <= parts; p++ {
		header = append(header, contactsPart+strconv.Itoa(p))
	}
	t := Table{Header: header}
	for i, r := range rows {
		row := []string{r.ID, r.Name, encoded[i][0], strconv.FormatBool(r.Complete)}
		for p := 1; p < parts; p++ {
			cell := ""
			if p < len(encoded[i]) {
				cell = encoded[i][p]
			}
			row = append(row, cell)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func chunk(s string, limit int) []string {
	if limit <= 0 || len(s) <= limit {
		return []string{s}
	}
	var out []string
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return append(out, s)
}

func decodeResults(t Table) ([]harvest.EntityResult, error) {
	if len(t.Header) == 0 {
		return nil, nil
	}
	idCol, nameCol, contactsCol := t.Column(colID), t.Column(colName), t.Column(colContacts)
	if idCol < 0 || contactsCol < 0 {
		return nil, fmt.Errorf("results table needs %q and %q columns", colID, colContacts)
	}
	completeCol := t.Column(colComplete)
	var extra []int
	for p := 2; ; p++ {
		c := t.Column(contactsPart + strconv.Itoa(p))
		if c < 0 {
			break
		}
		extra = append(extra, c)
	}

	out := make([]harvest.EntityResult, 0, len(t.Rows))
	for n, row := range t.Rows {
		id := strings.TrimSpace(cell(row, idCol))
		if id == "" {
			continue
		}
		var b strings.Builder
		b.WriteString(cell(row, contactsCol))
		for _, c := range extra {
			b.WriteString(cell(row, c))
		}
		var contacts []harvest.Contact
		if raw := strings.TrimSpace(b.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &contacts); err != nil {
				return nil, fmt.Errorf("row %d: decode contacts: %w", n+2, err)
			}
		}
		complete := true
		if completeCol >= 0 {
			v, err := strconv.ParseBool(strings.TrimSpace(cell(row, completeCol)))
			complete = err == nil && v
		}
		out = append(out, harvest.EntityResult{
			ID:       id,
			Name:     cell(row, nameCol),
			Contacts: contacts,
			Complete: complete,
		})
	}
	return out, nil
}

func decodeUnmatched(t Table) ([]harvest.UnmatchedEntity, error) {
	if len(t.Header) == 0 {
		return nil, nil
	}
	idCol, nameCol := t.Column(colID), t.Column(colName)
	if idCol < 0 {
		return nil, fmt.Errorf("unmatched table needs an %q column", colID)
	}
	out := make([]harvest.UnmatchedEntity, 0, len(t.Rows))
	for _, row := range t.Rows {
		id := strings.TrimSpace(cell(row, idCol))
		if id == "" {
			continue
		}
		out = append(out, harvest.UnmatchedEntity{ID: id, Name: cell(row, nameCol)})
	}
	return out, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
