package trace

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

const defaultBatchSize = 1000

// SQLiteRecorder buffers entries and writes them to the urb table in
// batches.
type SQLiteRecorder struct {
	db        *sql.DB
	statement *sql.Stmt
	path      string
	logger    *slog.Logger
	atExit    atexit.HandlerID

	mu        sync.Mutex
	pending   []Entry
	batchSize int
	closed    bool
}

// NewSQLiteRecorder creates a new database at path. An empty path picks a
// unique name in the working directory. Pending rows are flushed when the
// process exits through atexit.
func NewSQLiteRecorder(path string, batchSize int, logger *slog.Logger) (*SQLiteRecorder, error) {
	if path == "" {
		path = "nucusbd_trace_" + xid.New().String() + ".sqlite3"
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("trace database %s already exists", path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}
	r := &SQLiteRecorder{db: db, path: path, batchSize: batchSize, logger: logger}
	if err := r.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	r.statement, err = db.Prepare(`INSERT INTO urb
		(session, seq, time, ep, dir, request_type, request, value, idx, length,
		 transfer_len, reply_kind, reply_len, medium)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	r.atExit = atexit.Register(func() {
		if err := r.close(); err != nil {
			r.logger.Error("Failed to close trace database", "error", err)
		}
	})
	logger.Info("Recording URB trace", "path", path)
	return r, nil
}

// Path is the database file.
func (r *SQLiteRecorder) Path() string { return r.path }

func (r *SQLiteRecorder) createTable() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS urb
		(
			session      VARCHAR(32) NOT NULL,
			seq          INTEGER NOT NULL,
			time         INTEGER NOT NULL,
			ep           INTEGER NOT NULL,
			dir          VARCHAR(3) NOT NULL,
			request_type INTEGER DEFAULT 0,
			request      INTEGER DEFAULT 0,
			value        INTEGER DEFAULT 0,
			idx          INTEGER DEFAULT 0,
			length       INTEGER DEFAULT 0,
			transfer_len INTEGER DEFAULT 0,
			reply_kind   VARCHAR(8) NOT NULL,
			reply_len    INTEGER DEFAULT 0,
			medium       VARCHAR(16) DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS urb_session_index ON urb (session)`,
		`CREATE INDEX IF NOT EXISTS urb_time_index ON urb (time)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("create trace table: %w", err)
		}
	}
	return nil
}

// Record buffers e and writes the batch once it is full.
func (r *SQLiteRecorder) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.pending = append(r.pending, e)
	if len(r.pending) >= r.batchSize {
		if err := r.flushLocked(); err != nil {
			r.logger.Error("Failed to write trace batch", "error", err)
		}
	}
}

// Flush writes all buffered entries.
func (r *SQLiteRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.flushLocked()
}

func (r *SQLiteRecorder) flushLocked() error {
	if len(r.pending) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt := tx.Stmt(r.statement)
	for _, e := range r.pending {
		_, err := stmt.Exec(e.Session, e.Seq, e.Time.UnixNano(), e.Ep, e.Dir,
			e.RequestType, e.Request, e.Value, e.Index, e.Length,
			e.TransferLen, e.ReplyKind, e.ReplyLen, e.Medium)
		if err != nil {
			return errors.Join(fmt.Errorf("insert seq %d: %w", e.Seq, err), tx.Rollback())
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.pending = r.pending[:0]
	return nil
}

// Close flushes and closes the database. Later calls are no-ops. A
// recorder still open when the process leaves through atexit.Exit is
// closed by the exit handler.
func (r *SQLiteRecorder) Close() error {
	_ = r.atExit.Cancel()
	return r.close()
}

func (r *SQLiteRecorder) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.flushLocked()
	return errors.Join(err, r.statement.Close(), r.db.Close())
}

// Reader queries a trace database.
type Reader struct {
	db *sql.DB
}

// OpenReader opens the database at path read-only.
func OpenReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("trace database: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// Sessions lists the session ids present in the trace.
func (r *Reader) Sessions() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT session FROM urb ORDER BY session`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Entries returns the entries of session in sequence order. An empty session
// returns every entry.
func (r *Reader) Entries(session string) ([]Entry, error) {
	q := `SELECT session, seq, time, ep, dir, request_type, request, value, idx, length,
		transfer_len, reply_kind, reply_len, medium FROM urb`
	var args []any
	if session != "" {
		q += ` WHERE session = ?`
		args = append(args, session)
	}
	q += ` ORDER BY time, seq`

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var ns int64
		err := rows.Scan(&e.Session, &e.Seq, &ns, &e.Ep, &e.Dir,
			&e.RequestType, &e.Request, &e.Value, &e.Index, &e.Length,
			&e.TransferLen, &e.ReplyKind, &e.ReplyLen, &e.Medium)
		if err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, ns)
		out = append(out, e)
	}
	return out, rows.Err()
}
