// Package ledger implements component C1: the append-only, disk-first
// artifact store that is the source of truth for resume and review.
// Writes are atomic (temp file, fsync, rename) the way the reference CLI's
// internal/fs atomic writer works; append streams are opened O_APPEND and
// never rewritten.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

// Ledger is the interface the rest of the kernel depends on; FileLedger is
// the production implementation and also the seam tests substitute an
// in-memory fake through.
type Ledger interface {
	WriteMeta(runID string, run *model.Run) error
	ReadMeta(runID string) (*model.Run, error)

	WriteReceipt(runID, flowKey, stepID, agentKey string, receipt *model.Receipt) error
	ReadReceipt(runID, flowKey, stepID, agentKey string) (*model.Receipt, error)
	ListReceipts(runID, flowKey string) ([]*model.Receipt, error)

	WriteHandoff(runID, flowKey, stepID, agentKey string, handoff *model.Handoff) error
	ReadHandoff(runID, flowKey, stepID, agentKey string) (*model.Handoff, error)

	AppendRoutingDecision(runID, flowKey string, decision *model.RoutingDecision) error
	AppendScent(runID, flowKey string, entry *model.ScentEntry) error
	AppendDegradation(runID, flowKey string, entry *model.DegradationEntry) error
	AppendEvent(runID string, event *model.Event) error
	ReadEvents(runID string) ([]*model.Event, error)

	// AppendStepLog appends one forensic-log line to <flow>/logs/<step_id>.jsonl.
	AppendStepLog(runID, flowKey, stepID string, entry *model.StepLogEntry) error

	// WriteForensicSnapshot persists v under <flow>/forensics/<incidentID>/snapshot.json,
	// the at-rest record of a boundary-gate incident.
	WriteForensicSnapshot(runID, flowKey, incidentID string, v any) error

	ReadLastCheckpoint(runID, flowKey string) (stepID string, hasHandoff bool, hasRouting bool, err error)

	QuarantinedDir(runID string) string
}

// FileLedger is the on-disk, append-only store rooted at a base directory.
type FileLedger struct {
	base string

	// mu guards concurrent commits against the same receipt path; the
	// filesystem rename is already atomic, this only serializes the
	// "refuse if already committed" existence check with the write.
	mu sync.Mutex
}

// NewFileLedger roots a ledger at base, creating it if necessary.
func NewFileLedger(base string) (*FileLedger, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, kernelerrors.New("ledger.NewFileLedger", kernelerrors.CategoryTransient, "", err)
	}
	return &FileLedger{base: base}, nil
}

func (l *FileLedger) runRoot(runID string) string {
	return filepath.Join(l.base, runID)
}

func (l *FileLedger) flowRoot(runID, flowKey string) string {
	return filepath.Join(l.runRoot(runID), flowKey)
}

// QuarantinedDir is where corrupt entries are moved aside rather than
// silently skipped.
func (l *FileLedger) QuarantinedDir(runID string) string {
	return filepath.Join(l.runRoot(runID), "_quarantine")
}

// writeAtomic writes data to path via a temp file in the same directory,
// fsync, then rename — so a crash mid-write never leaves a half-written
// file at the final name.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".flowkernel-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return writeAtomic(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kernelerrors.New("ledger.readJSON", kernelerrors.CategoryPermanent, "", kernelerrors.ErrNotFound)
		}
		return kernelerrors.New("ledger.readJSON", kernelerrors.CategoryTransient, "", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return kernelerrors.New("ledger.readJSON", kernelerrors.CategoryFatal, "", fmt.Errorf("%w: %s: %v", kernelerrors.ErrLedgerCorrupt, path, err))
	}
	return nil
}

// appendLine appends one JSON-encoded line to path, creating it if needed.
// The file is opened with O_APPEND so concurrent writers from the same
// process never interleave partial lines.
func appendLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	w := bufio.NewWriter(f)
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func readLines(path string, each func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := append([]byte(nil), line...)
		if err := each(cp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// WriteMeta writes run-level meta.json atomically. Unlike receipts, meta is
// the one entity the supervisor is allowed to overwrite in place (status
// transitions), so it has no "already committed" guard.
func (l *FileLedger) WriteMeta(runID string, run *model.Run) error {
	path := filepath.Join(l.runRoot(runID), "meta.json")
	if err := writeJSONAtomic(path, run); err != nil {
		return kernelerrors.New("ledger.WriteMeta", kernelerrors.CategoryTransient, "", err)
	}
	return nil
}

func (l *FileLedger) ReadMeta(runID string) (*model.Run, error) {
	var run model.Run
	if err := readJSON(filepath.Join(l.runRoot(runID), "meta.json"), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func receiptPath(flowRoot, stepID, agentKey string) string {
	return filepath.Join(flowRoot, "receipts", fmt.Sprintf("%s-%s.json", stepID, agentKey))
}

func handoffPath(flowRoot, stepID, agentKey string) string {
	return filepath.Join(flowRoot, "handoffs", fmt.Sprintf("%s-%s.json", stepID, agentKey))
}

// WriteReceipt commits a receipt atomically. Per the crash-recovery rule
// in §4.10, a receipt alone (its paired handoff never written) is not yet
// a completed step: the process may have crashed between the two writes,
// and a resume must be able to retry the step from scratch, so the prior
// receipt is overwritten rather than refused. Once a handoff also exists
// for (stepID, agentKey), the pair is a completed commit and any further
// write is refused: the kernel enforces at-most-once commit per completed
// step here, not by convention.
func (l *FileLedger) WriteReceipt(runID, flowKey, stepID, agentKey string, receipt *model.Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	flowRoot := l.flowRoot(runID, flowKey)
	path := receiptPath(flowRoot, stepID, agentKey)
	if _, err := os.Stat(path); err == nil {
		if _, herr := os.Stat(handoffPath(flowRoot, stepID, agentKey)); herr == nil {
			return kernelerrors.New("ledger.WriteReceipt", kernelerrors.CategoryPermanent, stepID, kernelerrors.ErrAlreadyCommitted)
		}
	}
	receipt.SchemaVersion = model.SchemaVersion
	if err := writeJSONAtomic(path, receipt); err != nil {
		return kernelerrors.New("ledger.WriteReceipt", kernelerrors.CategoryTransient, stepID, err)
	}
	return nil
}

func (l *FileLedger) ReadReceipt(runID, flowKey, stepID, agentKey string) (*model.Receipt, error) {
	var r model.Receipt
	if err := readJSON(receiptPath(l.flowRoot(runID, flowKey), stepID, agentKey), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReceipts returns every committed receipt for a flow, in commit
// order. Commit order for the file-based ledger is approximated by file
// modification time, since filesystem directory listings are not
// guaranteed ordered; a deployment that needs a stronger guarantee should
// consult events.jsonl, which is strictly append-ordered.
func (l *FileLedger) ListReceipts(runID, flowKey string) ([]*model.Receipt, error) {
	dir := filepath.Join(l.flowRoot(runID, flowKey), "receipts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kernelerrors.New("ledger.ListReceipts", kernelerrors.CategoryTransient, "", err)
	}
	type timestamped struct {
		receipt *model.Receipt
		modTime int64
	}
	var all []timestamped
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		var r model.Receipt
		if err := readJSON(filepath.Join(dir, e.Name()), &r); err != nil {
			l.quarantine(runID, filepath.Join(dir, e.Name()))
			continue
		}
		all = append(all, timestamped{&r, info.ModTime().UnixNano()})
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].modTime < all[j-1].modTime; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	receipts := make([]*model.Receipt, 0, len(all))
	for _, t := range all {
		receipts = append(receipts, t.receipt)
	}
	return receipts, nil
}

// quarantine moves a corrupt file aside so a failed parse never silently
// disappears; the entity it described is then reported as missing.
func (l *FileLedger) quarantine(runID, path string) {
	dest := filepath.Join(l.QuarantinedDir(runID), filepath.Base(path))
	os.MkdirAll(l.QuarantinedDir(runID), 0o755)
	os.Rename(path, dest)
}

func (l *FileLedger) WriteHandoff(runID, flowKey, stepID, agentKey string, handoff *model.Handoff) error {
	handoff.SchemaVersion = model.SchemaVersion
	path := handoffPath(l.flowRoot(runID, flowKey), stepID, agentKey)
	if err := writeJSONAtomic(path, handoff); err != nil {
		return kernelerrors.New("ledger.WriteHandoff", kernelerrors.CategoryTransient, stepID, err)
	}
	return nil
}

func (l *FileLedger) ReadHandoff(runID, flowKey, stepID, agentKey string) (*model.Handoff, error) {
	var h model.Handoff
	if err := readJSON(handoffPath(l.flowRoot(runID, flowKey), stepID, agentKey), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (l *FileLedger) AppendRoutingDecision(runID, flowKey string, decision *model.RoutingDecision) error {
	path := filepath.Join(l.flowRoot(runID, flowKey), "routing", "decisions.jsonl")
	if err := appendLine(path, decision); err != nil {
		return kernelerrors.New("ledger.AppendRoutingDecision", kernelerrors.CategoryTransient, decision.FromStep, err)
	}
	return nil
}

func (l *FileLedger) AppendScent(runID, flowKey string, entry *model.ScentEntry) error {
	path := filepath.Join(l.flowRoot(runID, flowKey), "scent_trail.json")
	if err := appendLine(path, entry); err != nil {
		return kernelerrors.New("ledger.AppendScent", kernelerrors.CategoryTransient, entry.Step, err)
	}
	return nil
}

func (l *FileLedger) AppendDegradation(runID, flowKey string, entry *model.DegradationEntry) error {
	path := filepath.Join(l.flowRoot(runID, flowKey), "degradations.jsonl")
	if err := appendLine(path, entry); err != nil {
		return kernelerrors.New("ledger.AppendDegradation", kernelerrors.CategoryTransient, entry.Step, err)
	}
	return nil
}

func (l *FileLedger) AppendEvent(runID string, event *model.Event) error {
	path := filepath.Join(l.runRoot(runID), "events.jsonl")
	if err := appendLine(path, event); err != nil {
		return kernelerrors.New("ledger.AppendEvent", kernelerrors.CategoryTransient, "", err)
	}
	return nil
}

// ReadEvents returns every event recorded for runID, in append order, for
// the HTTP API's SSE feed and for post-hoc run review.
func (l *FileLedger) ReadEvents(runID string) ([]*model.Event, error) {
	var events []*model.Event
	path := filepath.Join(l.runRoot(runID), "events.jsonl")
	err := readLines(path, func(line []byte) error {
		var e model.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil
		}
		events = append(events, &e)
		return nil
	})
	if err != nil {
		return nil, kernelerrors.New("ledger.ReadEvents", kernelerrors.CategoryTransient, "", err)
	}
	return events, nil
}

// AppendStepLog appends one forensic retry-evidence line to
// <flow>/logs/<step_id>.jsonl, per §6.1: every transient retry a step took
// is recorded here even though only the final outcome is ever committed
// as a receipt.
func (l *FileLedger) AppendStepLog(runID, flowKey, stepID string, entry *model.StepLogEntry) error {
	path := filepath.Join(l.flowRoot(runID, flowKey), "logs", stepID+".jsonl")
	if err := appendLine(path, entry); err != nil {
		return kernelerrors.New("ledger.AppendStepLog", kernelerrors.CategoryTransient, stepID, err)
	}
	return nil
}

// WriteForensicSnapshot persists v (typically a boundary incident) under
// <flow>/forensics/<incidentID>/snapshot.json. Forensic snapshots are
// write-once artifacts of record; they are not meant to be overwritten or
// consulted by resume.
func (l *FileLedger) WriteForensicSnapshot(runID, flowKey, incidentID string, v any) error {
	path := filepath.Join(l.flowRoot(runID, flowKey), "forensics", incidentID, "snapshot.json")
	if err := writeJSONAtomic(path, v); err != nil {
		return kernelerrors.New("ledger.WriteForensicSnapshot", kernelerrors.CategoryTransient, incidentID, err)
	}
	return nil
}

// ReadLastCheckpoint inspects which artifacts exist for the last-touched
// step in a flow, per the crash-recovery rule in §4.10: a receipt alone
// means the step is incomplete and must be retried from scratch; a
// receipt plus handoff plus routing decision means it is safe to resume
// at the next step.
func (l *FileLedger) ReadLastCheckpoint(runID, flowKey string) (string, bool, bool, error) {
	receipts, err := l.ListReceipts(runID, flowKey)
	if err != nil {
		return "", false, false, err
	}
	if len(receipts) == 0 {
		return "", false, false, nil
	}
	last := receipts[len(receipts)-1]

	_, handoffErr := l.ReadHandoff(runID, flowKey, last.StepID, last.AgentKey)
	hasHandoff := handoffErr == nil

	hasRouting := false
	path := filepath.Join(l.flowRoot(runID, flowKey), "routing", "decisions.jsonl")
	_ = readLines(path, func(line []byte) error {
		var rd model.RoutingDecision
		if err := json.Unmarshal(line, &rd); err == nil && rd.FromStep == last.StepID {
			hasRouting = true
		}
		return nil
	})

	return last.StepID, hasHandoff, hasRouting, nil
}

var _ Ledger = (*FileLedger)(nil)
