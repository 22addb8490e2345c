package metrics

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	variant    TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS points (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	step       INTEGER NOT NULL,
	epoch      INTEGER NOT NULL,
	name       TEXT NOT NULL,
	value      REAL NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE INDEX IF NOT EXISTS points_run_name ON points(run_id, name, step);
`

// SQLiteSink stores points of one run in a SQLite database. Several runs
// can share a database; each gets a fresh run id.
type SQLiteSink struct {
	db    *sql.DB
	runID string
}

// OpenSQLite opens (or creates) the database at path and registers a new
// run for variant.
func OpenSQLite(path, variant string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open metrics db")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pragma")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pragma fk")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	s := &SQLiteSink{db: db, runID: uuid.New().String()}
	if _, err := db.Exec(`INSERT INTO runs (run_id, variant, created_at) VALUES (?, ?, ?)`,
		s.runID, variant, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "insert run")
	}
	return s, nil
}

// RunID identifies the run the sink writes to.
func (s *SQLiteSink) RunID() string { return s.runID }

// Record implements Sink.
func (s *SQLiteSink) Record(p Point) error {
	t := p.Time
	if t.IsZero() {
		t = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO points (run_id, step, epoch, name, value, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.runID, p.Step, p.Epoch, p.Name, p.Value, t.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrapf(err, "record %s", p.Name)
	}
	return nil
}

// Points returns the points named name of this run ordered by step.
func (s *SQLiteSink) Points(name string) ([]Point, error) {
	rows, err := s.db.Query(
		`SELECT step, epoch, value, created_at FROM points WHERE run_id = ? AND name = ? ORDER BY step, id`,
		s.runID, name,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query points")
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		p := Point{Name: name}
		var created string
		if err := rows.Scan(&p.Step, &p.Epoch, &p.Value, &created); err != nil {
			return nil, errors.Wrap(err, "scan point")
		}
		p.Time, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close implements Sink.
func (s *SQLiteSink) Close() error { return s.db.Close() }
