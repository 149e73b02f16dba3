// Package datarecording stores rows of flat Go structs in SQLite tables.
package datarecording

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/structs"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// Errors returned by a recorder.
var (
	ErrTableExists  = errors.New("table already exists")
	ErrNoSuchTable  = errors.New("no such table")
	ErrInvalidEntry = errors.New("entry must be a struct of scalar fields")
	ErrFileExists   = errors.New("database file already exists")
	ErrClosed       = errors.New("recorder is closed")
)

// DefaultBatchSize is how many rows are buffered before a flush.
const DefaultBatchSize = 100000

// DataRecorder is a backend that can record and store data.
type DataRecorder interface {
	// CreateTable creates a table whose columns are the exported fields of
	// sampleEntry.
	CreateTable(tableName string, sampleEntry any) error

	// InsertData buffers one row. The row must have the type of the sample
	// the table was created with.
	InsertData(tableName string, entry any) error

	// ListTables returns the sorted names of all tables.
	ListTables() []string

	// Flush writes all buffered rows into the database.
	Flush() error

	// Close flushes and closes the database.
	Close() error
}

type table struct {
	structType reflect.Type
	entries    []any
}

// SQLiteRecorder is the DataRecorder that writes into an SQLite database.
type SQLiteRecorder struct {
	mu sync.Mutex

	db         *sql.DB
	path       string
	tables     map[string]*table
	batchSize  int
	entryCount int
	closed     bool
}

// New creates a recorder writing into path.sqlite3. An empty path picks a
// unique name. The buffered rows are flushed when the program exits
// through atexit.
func New(path string) (*SQLiteRecorder, error) {
	if path == "" {
		path = "vmcore_recording_" + xid.New().String()
	}

	filename := path + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileExists, filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, err
	}

	r := NewWithDB(db)
	r.path = filename

	return r, nil
}

// NewWithDB creates a recorder on an open database.
func NewWithDB(db *sql.DB) *SQLiteRecorder {
	r := &SQLiteRecorder{
		db:        db,
		batchSize: DefaultBatchSize,
		tables:    make(map[string]*table),
	}

	atexit.Register(func() { _ = r.Flush() })

	return r
}

// WithBatchSize sets how many rows are buffered before a flush.
func (r *SQLiteRecorder) WithBatchSize(n int) *SQLiteRecorder {
	if n < 1 {
		n = 1
	}

	r.batchSize = n

	return r
}

// Path returns the database file, or an empty string for a recorder made
// with NewWithDB.
func (r *SQLiteRecorder) Path() string {
	return r.path
}

// DB returns the underlying database.
func (r *SQLiteRecorder) DB() *sql.DB {
	return r.db
}

func columnType(kind reflect.Kind) (string, bool) {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return "INTEGER", true
	case reflect.Float32, reflect.Float64:
		return "REAL", true
	case reflect.String:
		return "TEXT", true
	default:
		return "", false
	}
}

func columns(sampleEntry any) ([]string, error) {
	if !structs.IsStruct(sampleEntry) {
		return nil, ErrInvalidEntry
	}

	fields := structs.Fields(sampleEntry)
	if len(fields) == 0 {
		return nil, ErrInvalidEntry
	}

	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		t, ok := columnType(f.Kind())
		if !ok {
			return nil, fmt.Errorf("%w: field %s is %s",
				ErrInvalidEntry, f.Name(), f.Kind())
		}

		cols = append(cols, f.Name()+" "+t)
	}

	return cols, nil
}

// CreateTable creates a new table.
func (r *SQLiteRecorder) CreateTable(tableName string, sampleEntry any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if _, exists := r.tables[tableName]; exists {
		return fmt.Errorf("%w: %s", ErrTableExists, tableName)
	}

	cols, err := columns(sampleEntry)
	if err != nil {
		return err
	}

	createTableSQL := `CREATE TABLE ` + tableName +
		` (` + "\n\t" + strings.Join(cols, ", \n\t") + "\n" + `);`

	_, err = r.db.Exec(createTableSQL)
	if err != nil {
		return fmt.Errorf("creating table %s: %w", tableName, err)
	}

	r.tables[tableName] = &table{
		structType: reflect.TypeOf(sampleEntry),
	}

	return nil
}

// InsertData buffers one row and flushes when the batch is full.
func (r *SQLiteRecorder) InsertData(tableName string, entry any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	t, exists := r.tables[tableName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, tableName)
	}

	if reflect.TypeOf(entry) != t.structType {
		return fmt.Errorf("%w: %T does not fit table %s",
			ErrInvalidEntry, entry, tableName)
	}

	t.entries = append(t.entries, entry)

	r.entryCount++
	if r.entryCount >= r.batchSize {
		return r.flush()
	}

	return nil
}

// ListTables returns the names of all tables.
func (r *SQLiteRecorder) ListTables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Flush writes the buffered rows in one transaction.
func (r *SQLiteRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	return r.flush()
}

func (r *SQLiteRecorder) flush() error {
	if r.entryCount == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	for name, t := range r.tables {
		if len(t.entries) == 0 {
			continue
		}

		err = r.insertAll(tx, name, t)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("flushing table %s: %w", name, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return err
	}

	for _, t := range r.tables {
		t.entries = nil
	}

	r.entryCount = 0

	return nil
}

func (r *SQLiteRecorder) insertAll(tx *sql.Tx, name string, t *table) error {
	n := structs.Names(t.entries[0])
	for i := range n {
		n[i] = "?"
	}

	stmt, err := tx.Prepare(
		"INSERT INTO " + name + " VALUES (" + strings.Join(n, ", ") + ")")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range t.entries {
		_, err = stmt.Exec(structs.Values(entry)...)
		if err != nil {
			return err
		}
	}

	return nil
}

// Close flushes the buffered rows and closes the database.
func (r *SQLiteRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	err := r.flush()
	r.closed = true

	if cerr := r.db.Close(); err == nil {
		err = cerr
	}

	return err
}
