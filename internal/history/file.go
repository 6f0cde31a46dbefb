package history

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	logx "specrun/pkg/logx"
)

// fileStore is the dependency-free backend.
//
// Files:
//   - <prefix>.runs.jsonl      (append-only; one "begin" and one "finish" record per run)
//   - <prefix>.outcomes.jsonl  (append-only; one record per finished job)
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	runsPath     string
	outcomesPath string
	runs         *os.File
	outcomes     *os.File
}

type runRecord struct {
	Kind    string   `json:"kind"`
	Run     *Run     `json:"run,omitempty"`
	Summary *Summary `json:"summary,omitempty"`
}

const (
	kindBegin  = "begin"
	kindFinish = "finish"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create history dir %s", dir)
	}

	st := &fileStore{
		log:          log,
		runsPath:     prefix + ".runs.jsonl",
		outcomesPath: prefix + ".outcomes.jsonl",
	}
	var err error
	if st.runs, err = openAppend(st.runsPath); err != nil {
		return nil, err
	}
	if st.outcomes, err = openAppend(st.outcomesPath); err != nil {
		_ = st.runs.Close()
		return nil, err
	}
	return st, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return f, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	if s.runs != nil {
		errs = errors.CombineErrors(errs, s.runs.Close())
		s.runs = nil
	}
	if s.outcomes != nil {
		errs = errors.CombineErrors(errs, s.outcomes.Close())
		s.outcomes = nil
	}
	return errs
}

func (s *fileStore) BeginRun(_ context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runs).Encode(runRecord{Kind: kindBegin, Run: &r})
}

func (s *fileStore) FinishRun(_ context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runs).Encode(runRecord{Kind: kindFinish, Summary: &sum})
}

func (s *fileStore) AppendOutcome(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.outcomes).Encode(o)
}

func (s *fileStore) LastRun(_ context.Context) (Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		last  Run
		found bool
	)
	err := scanLines(s.runsPath, func(b []byte) {
		var rec runRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return
		}
		switch {
		case rec.Kind == kindBegin && rec.Run != nil:
			last, found = *rec.Run, true
		case rec.Kind == kindFinish && rec.Summary != nil && found && rec.Summary.RunID == last.ID:
			applySummary(&last, *rec.Summary)
		}
	})
	if err != nil {
		return Run{}, false, err
	}
	return last, found, nil
}

func (s *fileStore) Outcomes(_ context.Context, runID string) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Outcome
	err := scanLines(s.outcomesPath, func(b []byte) {
		var o Outcome
		if err := json.Unmarshal(b, &o); err != nil {
			return
		}
		if o.RunID == runID {
			out = append(out, o)
		}
	})
	return out, err
}

func applySummary(r *Run, s Summary) {
	r.Finished = s.Finished
	r.Completed = s.Completed
	r.Failed = s.Failed
	r.Warnings = s.Warnings
	r.Interrupted = s.Interrupted
}

// scanLines calls fn for each line of path. A missing file has no lines.
func scanLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}
