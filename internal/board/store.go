// Package board implements the file-backed task source: the shared board
// document, atomic claims with leases, and stale-claim recovery.
package board

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gammazero/toposort"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/ringmaster/internal/events"
	"github.com/msageha/ringmaster/internal/lock"
	"github.com/msageha/ringmaster/internal/model"
	yamlutil "github.com/msageha/ringmaster/internal/yaml"
)

// BoardFileName is the board document name under the base dir.
const BoardFileName = "board.yaml"

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrAlreadyClaimed = errors.New("task already claimed")
	ErrNotOwner       = errors.New("lease held by another owner")
)

// LogLevel controls store logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Store mediates all access to the board document. Every mutation is
// load-modify-atomic-write under the per-file mutex; cross-process safety
// additionally relies on the claim protocol (status + lease epoch), not on
// the in-process lock alone.
type Store struct {
	baseDir  string
	path     string
	locks    *lock.MutexMap
	logger   *log.Logger
	logLevel LogLevel
	bus      *events.Bus

	leaseSec int
}

// NewStore creates a board store rooted at baseDir.
func NewStore(baseDir string, cfg model.BoardConfig, logger *log.Logger, logLevel LogLevel) *Store {
	leaseSec := cfg.LeaseSec
	if leaseSec <= 0 {
		leaseSec = model.DefaultLeaseSec
	}
	return &Store{
		baseDir:  baseDir,
		path:     filepath.Join(baseDir, BoardFileName),
		locks:    lock.NewMutexMap(),
		logger:   logger,
		logLevel: logLevel,
		leaseSec: leaseSec,
	}
}

// SetEventBus sets the bus for recovery events.
func (s *Store) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Load reads and validates the board document. A missing file yields an
// empty board; a corrupted file is quarantined and replaced by a skeleton.
func (s *Store) Load() (*model.Board, error) {
	s.locks.Lock(s.path)
	defer s.locks.Unlock(s.path)
	return s.loadLocked()
}

func (s *Store) loadLocked() (*model.Board, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &model.Board{
				SchemaVersion: model.BoardSchemaVersion,
				FileType:      model.BoardFileType,
			}, nil
		}
		return nil, fmt.Errorf("read board: %w", err)
	}

	board, err := parseBoard(data)
	if err != nil {
		s.log(LogLevelError, "board corrupted, recovering path=%s error=%v", s.path, err)
		if rerr := yamlutil.RecoverCorruptedFile(s.baseDir, s.path, model.BoardFileType); rerr != nil {
			return nil, fmt.Errorf("recover board: %w", rerr)
		}
		data, err = os.ReadFile(s.path)
		if err != nil {
			return nil, fmt.Errorf("read recovered board: %w", err)
		}
		board, err = parseBoard(data)
		if err != nil {
			return nil, fmt.Errorf("parse recovered board: %w", err)
		}
	}
	return board, nil
}

func parseBoard(data []byte) (*model.Board, error) {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, model.BoardFileType); err != nil {
		return nil, err
	}
	var board model.Board
	if err := yamlv3.Unmarshal(data, &board); err != nil {
		return nil, fmt.Errorf("parse board: %w", err)
	}
	if err := Validate(&board); err != nil {
		return nil, err
	}
	return &board, nil
}

// Validate checks board-level invariants: unique task IDs, dependencies that
// exist, and an acyclic dependency graph.
func Validate(board *model.Board) error {
	seen := make(map[string]bool, len(board.Tasks))
	for _, t := range board.Tasks {
		if t.ID == "" {
			return fmt.Errorf("board contains a task with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}

	var edges []toposort.Edge
	for _, t := range board.Tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("dependency cycle: %w", err)
	}
	return nil
}

// save writes the board atomically. Callers hold the file mutex.
func (s *Store) saveLocked(board *model.Board) error {
	board.SchemaVersion = model.BoardSchemaVersion
	board.FileType = model.BoardFileType
	if err := os.MkdirAll(s.baseDir, 0755); err != nil {
		return fmt.Errorf("create board dir: %w", err)
	}
	return yamlutil.AtomicWrite(s.path, board)
}

// mutate runs fn against the loaded board under the file mutex and persists
// the result when fn succeeds.
func (s *Store) mutate(fn func(board *model.Board) error) error {
	s.locks.Lock(s.path)
	defer s.locks.Unlock(s.path)

	board, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(board); err != nil {
		return err
	}
	return s.saveLocked(board)
}

func findTask(board *model.Board, taskID string) *model.Task {
	for i := range board.Tasks {
		if board.Tasks[i].ID == taskID {
			return &board.Tasks[i]
		}
	}
	return nil
}

func (s *Store) log(level LogLevel, format string, args ...interface{}) {
	if s.logger == nil || level < s.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s board: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
