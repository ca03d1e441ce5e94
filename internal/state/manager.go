// Package state persists orchestrator progress and segments it by branch.
//
// A state directory holds a branch marker, the progress document and any
// auxiliary documents. When the active branch changes, the previous
// branch's documents are copied into a dated archive folder.
//
// The Manager assumes a single writer: it does no file locking, and the
// load-mutate-save sequence behind AddPattern and AddCycleResult is not
// atomic across processes. Run at most one engine per state directory.
package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultStateDir     = "./orchestrator_state"
	defaultArchiveDir   = "./orchestrator_archive"
	defaultBranchFile   = "branch.json"
	defaultProgressFile = "progress.json"
	defaultAuxFile      = "prd.json"

	archiveDateLayout = "2006-01-02"
)

// CycleResult is the durable record of one finished cycle. It is built in
// full before being appended and never changes afterwards.
type CycleResult struct {
	CycleID         string    `json:"cycle_id"`
	Branch          string    `json:"branch,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	PhasesCompleted []string  `json:"phases_completed"`
	Success         bool      `json:"success"`
	Output          string    `json:"output"`
	Learnings       []string  `json:"learnings"`
	Error           string    `json:"error,omitempty"`
}

// Progress is the per-branch progress document.
type Progress struct {
	Cycles    []CycleResult `json:"cycles"`
	Patterns  []string      `json:"patterns"`
	StartTime time.Time     `json:"start_time"`
}

// UnmarshalJSON accepts "session_start" as an alias of "start_time".
func (p *Progress) UnmarshalJSON(data []byte) error {
	type plain Progress
	var aux struct {
		plain
		SessionStart *time.Time `json:"session_start"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = Progress(aux.plain)
	if p.StartTime.IsZero() && aux.SessionStart != nil {
		p.StartTime = *aux.SessionStart
	}
	return nil
}

// LastCycle returns the most recent result, if any.
func (p *Progress) LastCycle() (CycleResult, bool) {
	if len(p.Cycles) == 0 {
		return CycleResult{}, false
	}
	return p.Cycles[len(p.Cycles)-1], true
}

// BranchMarker records the active branch.
type BranchMarker struct {
	Branch    string    `json:"branch"`
	Timestamp time.Time `json:"timestamp"`
}

// Archive describes one archive folder.
type Archive struct {
	Name  string   `json:"name"`
	Path  string   `json:"path"`
	Files []string `json:"files"`
}

// Options configures file locations. Zero values take defaults.
type Options struct {
	StateDir     string
	ArchiveDir   string
	BranchFile   string
	ProgressFile string
	// AuxFiles are sibling documents archived with the progress document.
	AuxFiles []string
}

// Manager owns the branch marker, the progress document and archival.
type Manager struct {
	stateDir     string
	archiveDir   string
	branchPath   string
	progressPath string
	auxFiles     []string
	storage      Storage
	mu           sync.Mutex
	logger       *zap.Logger

	now func() time.Time
}

// NewManager creates the state and archive directories if needed.
func NewManager(opts Options, storage Storage, logger *zap.Logger) (*Manager, error) {
	if opts.StateDir == "" {
		opts.StateDir = defaultStateDir
	}
	if opts.ArchiveDir == "" {
		opts.ArchiveDir = defaultArchiveDir
	}
	if opts.BranchFile == "" {
		opts.BranchFile = defaultBranchFile
	}
	if opts.ProgressFile == "" {
		opts.ProgressFile = defaultProgressFile
	}
	if opts.AuxFiles == nil {
		opts.AuxFiles = []string{defaultAuxFile}
	}
	if storage == nil {
		storage = FileStorage{}
	}

	for _, dir := range []string{opts.StateDir, opts.ArchiveDir} {
		if err := storage.MkdirAll(dir); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}

	return &Manager{
		stateDir:     opts.StateDir,
		archiveDir:   opts.ArchiveDir,
		branchPath:   filepath.Join(opts.StateDir, opts.BranchFile),
		progressPath: filepath.Join(opts.StateDir, opts.ProgressFile),
		auxFiles:     opts.AuxFiles,
		storage:      storage,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// StateDir returns the state directory path.
func (m *Manager) StateDir() string { return m.stateDir }

// ArchiveDir returns the archive directory path.
func (m *Manager) ArchiveDir() string { return m.archiveDir }

// CurrentBranch returns the recorded branch. An unreadable marker counts as unset.
func (m *Manager) CurrentBranch() (string, bool) {
	marker, ok := m.readMarker()
	if !ok || marker.Branch == "" {
		return "", false
	}
	return marker.Branch, true
}

// Marker returns the full branch marker.
func (m *Manager) Marker() (BranchMarker, bool) {
	return m.readMarker()
}

func (m *Manager) readMarker() (BranchMarker, bool) {
	var marker BranchMarker
	if !m.storage.Exists(m.branchPath) {
		return marker, false
	}
	data, err := m.storage.ReadFile(m.branchPath)
	if err != nil {
		m.logger.Warn("read branch marker", zap.String("path", m.branchPath), zap.Error(err))
		return marker, false
	}
	if err := json.Unmarshal(data, &marker); err != nil {
		m.logger.Warn("corrupt branch marker", zap.String("path", m.branchPath), zap.Error(err))
		return marker, false
	}
	return marker, true
}

// SetCurrentBranch overwrites the marker with branch and the current time.
func (m *Manager) SetCurrentBranch(branch string) error {
	data, err := json.Marshal(BranchMarker{Branch: branch, Timestamp: m.now()})
	if err != nil {
		return fmt.Errorf("marshal branch marker: %w", err)
	}
	if err := m.storage.WriteFile(m.branchPath, data); err != nil {
		return fmt.Errorf("write branch marker: %w", err)
	}
	return nil
}

// ShouldArchive is true when a marker exists and names a different branch.
func (m *Manager) ShouldArchive(branch string) bool {
	last, ok := m.CurrentBranch()
	return ok && last != branch
}

// ArchiveCurrentState copies the previous branch's documents into
// {date}-{branch} under the archive dir and records the new branch. It
// returns the archive folder, or "" when no archival was needed.
func (m *Manager) ArchiveCurrentState(branch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.CurrentBranch()
	if !ok || last == branch {
		return "", nil
	}

	folder := filepath.Join(m.archiveDir,
		fmt.Sprintf("%s-%s", m.now().Format(archiveDateLayout), SanitizeBranch(last)))
	m.logger.Info("archiving previous run",
		zap.String("from", last),
		zap.String("to", branch),
		zap.String("folder", folder))

	if err := m.storage.MkdirAll(folder); err != nil {
		return "", fmt.Errorf("create archive %s: %w", folder, err)
	}

	files := append([]string{filepath.Base(m.progressPath)}, m.auxFiles...)
	for _, name := range files {
		src := filepath.Join(m.stateDir, name)
		if !m.storage.Exists(src) {
			continue
		}
		data, err := m.storage.ReadFile(src)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", src, err)
		}
		if err := m.storage.WriteFile(filepath.Join(folder, name), data); err != nil {
			return "", fmt.Errorf("archive %s: %w", name, err)
		}
	}

	if err := m.SetCurrentBranch(branch); err != nil {
		return "", err
	}
	return folder, nil
}

// SanitizeBranch makes a branch id safe as a folder name.
func SanitizeBranch(branch string) string {
	return strings.NewReplacer("/", "-", `\`, "-").Replace(branch)
}

// LoadProgress reads the progress document. A missing or corrupt document
// yields a fresh one; it never fails.
func (m *Manager) LoadProgress() *Progress {
	fresh := &Progress{Cycles: []CycleResult{}, Patterns: []string{}, StartTime: m.now()}
	if !m.storage.Exists(m.progressPath) {
		return fresh
	}
	data, err := m.storage.ReadFile(m.progressPath)
	if err != nil {
		m.logger.Warn("read progress, starting fresh", zap.Error(err))
		return fresh
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		m.logger.Warn("corrupt progress document, starting fresh",
			zap.String("path", m.progressPath), zap.Error(err))
		return fresh
	}
	if p.Cycles == nil {
		p.Cycles = []CycleResult{}
	}
	if p.Patterns == nil {
		p.Patterns = []string{}
	}
	if p.StartTime.IsZero() {
		p.StartTime = fresh.StartTime
	}
	return &p
}

// SaveProgress writes the whole document.
func (m *Manager) SaveProgress(p *Progress) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := m.storage.WriteFile(m.progressPath, data); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}

// AddPattern appends pattern unless already present. It reports whether
// the pattern was new.
func (m *Manager) AddPattern(pattern string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.LoadProgress()
	for _, existing := range p.Patterns {
		if existing == pattern {
			return false, nil
		}
	}
	p.Patterns = append(p.Patterns, pattern)
	if err := m.SaveProgress(p); err != nil {
		return false, err
	}
	return true, nil
}

// AddCycleResult appends a result to the progress document.
func (m *Manager) AddCycleResult(result CycleResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.PhasesCompleted == nil {
		result.PhasesCompleted = []string{}
	}
	if result.Learnings == nil {
		result.Learnings = []string{}
	}
	p := m.LoadProgress()
	p.Cycles = append(p.Cycles, result)
	return m.SaveProgress(p)
}

// SaveDocument writes an auxiliary JSON document into the state dir.
func (m *Manager) SaveDocument(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := m.storage.WriteFile(filepath.Join(m.stateDir, name), data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// LoadDocument decodes an auxiliary document into v. It reports false when
// the document is missing or unreadable.
func (m *Manager) LoadDocument(name string, v any) bool {
	path := filepath.Join(m.stateDir, name)
	if !m.storage.Exists(path) {
		return false
	}
	data, err := m.storage.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// ListArchives returns archive folders sorted by name.
func (m *Manager) ListArchives() ([]Archive, error) {
	entries, err := m.storage.ReadDir(m.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}

	var out []Archive
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.archiveDir, e.Name())
		a := Archive{Name: e.Name(), Path: path, Files: []string{}}
		if files, err := m.storage.ReadDir(path); err == nil {
			for _, f := range files {
				if !f.IsDir() {
					a.Files = append(a.Files, f.Name())
				}
			}
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
