package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "specrun/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create history dir for %s", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate history schema")
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqliteStore) BeginRun(ctx context.Context, r Run) error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, started, config_path, sims_dir, discovered, total) VALUES(?,?,?,?,?,?)`,
		r.ID, r.Started.UTC().Format(time.RFC3339Nano), r.ConfigPath, r.SimsDir, r.Discovered, r.Total,
	)
	return err
}

func (s *sqliteStore) FinishRun(ctx context.Context, sum Summary) error {
	if s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished=?, completed=?, failed=?, warnings=?, interrupted=? WHERE id=?`,
		sum.Finished.UTC().Format(time.RFC3339Nano), sum.Completed, sum.Failed, sum.Warnings, boolInt(sum.Interrupted), sum.RunID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf("finish unknown run %s", sum.RunID)
	}
	return nil
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(run_id, seq, dir, name, lat_id, lon_id, soil_id, outcome, reason, exit_code, started, duration_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.RunID, o.Seq, o.Dir, o.Name, o.LatID, o.LonID, o.SoilID, o.Outcome, nullStr(o.Reason), o.ExitCode,
		o.Started.UTC().Format(time.RFC3339Nano), o.Duration.Milliseconds(),
	)
	return err
}

func (s *sqliteStore) LastRun(ctx context.Context) (Run, bool, error) {
	if s.db == nil {
		return Run{}, false, ErrClosed
	}
	var (
		r           Run
		started     string
		finished    sql.NullString
		interrupted int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started, config_path, sims_dir, discovered, total, finished, completed, failed, warnings, interrupted
		 FROM runs ORDER BY started DESC, rowid DESC LIMIT 1`,
	).Scan(&r.ID, &started, &r.ConfigPath, &r.SimsDir, &r.Discovered, &r.Total, &finished, &r.Completed, &r.Failed, &r.Warnings, &interrupted)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	r.Started, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		r.Finished, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	r.Interrupted = interrupted != 0
	return r, true, nil
}

func (s *sqliteStore) Outcomes(ctx context.Context, runID string) ([]Outcome, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, dir, name, lat_id, lon_id, soil_id, outcome, reason, exit_code, started, duration_ms
		 FROM outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o       = Outcome{RunID: runID}
			reason  sql.NullString
			started string
			ms      int64
		)
		if err := rows.Scan(&o.Seq, &o.Dir, &o.Name, &o.LatID, &o.LonID, &o.SoilID, &o.Outcome, &reason, &o.ExitCode, &started, &ms); err != nil {
			return nil, err
		}
		o.Reason = reason.String
		o.Started, _ = time.Parse(time.RFC3339Nano, started)
		o.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
