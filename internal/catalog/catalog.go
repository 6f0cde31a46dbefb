// Package catalog discovers simulation jobs under a root directory.
//
// Every immediate subdirectory whose name follows one of two naming schemes becomes a
// Job. Identifiers are derived from the directory name once, at discovery time.
package catalog

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// OutputMarker is the file a worker leaves behind once a job has completed.
const OutputMarker = "SUMMARY.OUT"

// geographicPrefix tags directories named lat<digits>_lon<digits>_..._s<digits>.
const geographicPrefix = "lat00"

var (
	// ErrEmptyCatalog is returned when no subdirectory matches either naming scheme.
	ErrEmptyCatalog = errors.New("no job directories found")
	// ErrNothingToDo is returned when resume filtering leaves no job to run.
	// It is a normal stop condition, not a failure.
	ErrNothingToDo = errors.New("all jobs already complete")
)

// Scheme identifies how a directory name encodes its identifiers.
type Scheme int

const (
	SchemeGeographic Scheme = iota
	SchemeGridReference
)

func (s Scheme) String() string {
	switch s {
	case SchemeGeographic:
		return "geographic"
	case SchemeGridReference:
		return "grid-reference"
	default:
		return "unknown"
	}
}

// Job is one unit of simulation work bound to a single directory.
//
// For grid-reference jobs LatID and LonID both hold the grid reference.
type Job struct {
	Dir    string
	Name   string
	Scheme Scheme
	LatID  string
	LonID  string
	SoilID string
}

// Discover scans the immediate subdirectories of root and returns the jobs of the
// active naming scheme, ordered by directory name.
//
// The geographic scheme wins whenever at least one directory matches it; otherwise the
// grid-reference scheme is used for the whole run.
func Discover(root string) ([]Job, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "read job root %s", root)
	}

	var geo, grid []Job
	for _, e := range entries {
		name := e.Name()
		dir := filepath.Join(root, name)
		if !isDir(e, dir) {
			continue
		}
		if strings.HasPrefix(name, geographicPrefix) {
			if j, ok := parseGeographic(dir, name); ok {
				geo = append(geo, j)
			}
			continue
		}
		if isGridCandidate(name) {
			if j, ok := parseGridReference(dir, name); ok {
				grid = append(grid, j)
			}
		}
	}

	jobs := geo
	if len(jobs) == 0 {
		jobs = grid
	}
	if len(jobs) == 0 {
		return nil, errors.WithHintf(ErrEmptyCatalog,
			"expected lat00*_lon*_*_s* or grid-reference (e.g. NY1234_s003) subdirectories under %s", root)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name < jobs[k].Name })
	return jobs, nil
}

// isDir follows symlinks so linked job directories are listed like real ones.
// Dangling links are skipped.
func isDir(e fs.DirEntry, path string) bool {
	if e.Type()&fs.ModeSymlink == 0 {
		return e.IsDir()
	}
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// FilterIncomplete drops jobs whose directory already contains OutputMarker.
// It returns ErrNothingToDo (with an empty slice) when every job is complete.
func FilterIncomplete(jobs []Job) ([]Job, int, error) {
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if IsComplete(j) {
			continue
		}
		out = append(out, j)
	}
	if len(out) == 0 {
		return out, 0, ErrNothingToDo
	}
	return out, len(out), nil
}

// IsComplete reports whether the job's output marker exists.
func IsComplete(j Job) bool {
	st, err := os.Stat(filepath.Join(j.Dir, OutputMarker))
	return err == nil && !st.IsDir()
}

func parseGeographic(dir, name string) (Job, bool) {
	parts := strings.Split(name, "_")
	if len(parts) < 4 {
		return Job{}, false
	}
	lat, ok := numericID(strings.TrimPrefix(parts[0], "lat"))
	if !ok {
		return Job{}, false
	}
	lon, ok := numericID(strings.TrimPrefix(parts[1], "lon"))
	if !ok {
		return Job{}, false
	}
	soil, ok := soilID(parts[3])
	if !ok {
		return Job{}, false
	}
	return Job{Dir: dir, Name: name, Scheme: SchemeGeographic, LatID: lat, LonID: lon, SoilID: soil}, true
}

// isGridCandidate: two leading uppercase letters, or exactly one separator
// splitting easting and northing.
func isGridCandidate(name string) bool {
	if len(name) >= 2 && isUpper(name[0]) && isUpper(name[1]) {
		return true
	}
	return strings.Count(name, "_") == 1
}

func parseGridReference(dir, name string) (Job, bool) {
	parts := strings.Split(name, "_")
	if len(parts) < 2 || parts[0] == "" {
		return Job{}, false
	}
	soil, ok := soilID(parts[1])
	if !ok {
		return Job{}, false
	}
	ref := parts[0]
	return Job{Dir: dir, Name: name, Scheme: SchemeGridReference, LatID: ref, LonID: ref, SoilID: soil}, true
}

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }

// numericID parses a digit string and renders it without leading zeros.
func numericID(s string) (string, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatUint(n, 10), true
}

// soilID strips the "s" prefix and leading zeros; an all-zero id becomes "0".
func soilID(tok string) (string, bool) {
	tok = strings.TrimLeft(tok, "s")
	if tok == "" {
		return "", false
	}
	id := strings.TrimLeft(tok, "0")
	if id == "" {
		id = "0"
	}
	return id, true
}
