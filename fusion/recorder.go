package fusion

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const recorderSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id        TEXT PRIMARY KEY,
		started           TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS frames (
		session_id        TEXT,
		seq               BIGINT,
		timestamp_ms      BIGINT,
		status            TEXT,
		result            TEXT,
		tier              INTEGER,
		streak            INTEGER,
		fused_x           DOUBLE,
		fused_y           DOUBLE,
		fused_z           DOUBLE,
		fused_yaw         DOUBLE,
		scale             DOUBLE,
		latency_ms        BIGINT,
		line              TEXT,
		FOREIGN KEY(session_id) REFERENCES sessions(session_id)
	);
	CREATE TABLE IF NOT EXISTS events (
		session_id        TEXT,
		message           TEXT,
		timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(session_id) REFERENCES sessions(session_id)
	);
`

// Recorder stores every processed frame and event in SQLite, one session
// per process run. It is a FrameSink and an EventSink.
type Recorder struct {
	db      *sql.DB
	session uuid.UUID
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	failed bool
}

// OpenRecorder opens or creates the database at path and starts a session.
func OpenRecorder(path string, logger *zap.SugaredLogger) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening recorder database: %w", err)
	}
	// One writer; sqlite serialises anyway and in-memory databases are per
	// connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(recorderSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating recorder tables: %w", err)
	}

	r := &Recorder{db: db, session: uuid.New(), logger: orNop(logger)}
	if _, err := db.Exec(`INSERT INTO sessions (session_id) VALUES (?)`, r.session.String()); err != nil {
		db.Close()
		return nil, fmt.Errorf("starting recorder session: %w", err)
	}
	r.logger.Infof("[RECORD] session %s in %s", r.session, path)
	return r, nil
}

// Session returns the ID of the current session.
func (r *Recorder) Session() uuid.UUID {
	return r.session
}

// RecordFrame inserts one frame row.
func (r *Recorder) RecordFrame(rep FrameReport, rec LogRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO frames (
			session_id, seq, timestamp_ms, status, result, tier, streak,
			fused_x, fused_y, fused_z, fused_yaw, scale, latency_ms, line
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.session.String(), int64(rep.Seq), rep.TimestampMS, rep.Status.String(), rep.Result.String(),
		int(rec.Tier), rep.Quality.Streak,
		rep.Fused.X, rep.Fused.Y, rep.Fused.Z, rep.Fused.Yaw, rec.Scales.X, rec.LatencyMS,
		rec.String(),
	)
	if err != nil {
		return fmt.Errorf("recording frame %d: %w", rep.Seq, err)
	}
	return nil
}

// RecordEvent inserts one event row.
func (r *Recorder) RecordEvent(msg string) error {
	if _, err := r.db.Exec(`INSERT INTO events (session_id, message) VALUES (?, ?)`, r.session.String(), msg); err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// FrameProcessed implements FrameSink.
func (r *Recorder) FrameProcessed(rep FrameReport, rec LogRecord) {
	r.report(r.RecordFrame(rep, rec))
}

// Event implements EventSink.
func (r *Recorder) Event(msg string) {
	r.report(r.RecordEvent(msg))
}

// report logs the first failure only; recording is best effort.
func (r *Recorder) report(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	first := !r.failed
	r.failed = true
	r.mu.Unlock()
	if first {
		r.logger.Errorf("[RECORD] %v", err)
	}
}

// StatusCounts returns how many frames of this session ended in each status.
func (r *Recorder) StatusCounts() (map[string]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM frames WHERE session_id = ? GROUP BY status`, r.session.String())
	if err != nil {
		return nil, fmt.Errorf("querying status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// LogLines returns the recorded log lines of this session in frame order.
func (r *Recorder) LogLines() ([]string, error) {
	rows, err := r.db.Query(`SELECT line FROM frames WHERE session_id = ? ORDER BY rowid`, r.session.String())
	if err != nil {
		return nil, fmt.Errorf("querying log lines: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Events returns the recorded events of this session in order.
func (r *Recorder) Events() ([]string, error) {
	rows, err := r.db.Query(`SELECT message FROM events WHERE session_id = ? ORDER BY rowid`, r.session.String())
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		events = append(events, msg)
	}
	return events, rows.Err()
}

func (r *Recorder) Close() error {
	return r.db.Close()
}
