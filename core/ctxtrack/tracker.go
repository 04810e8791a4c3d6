// Package ctxtrack implements the context tracker: the record of which
// files have been read, which have been modified, and which todo is
// active. It never fails the surrounding request — tracking operations
// are best-effort bookkeeping, not part of the critical path.
package ctxtrack

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ReadMode identifies how a file was read.
type ReadMode string

const (
	ReadModeFull    ReadMode = "full"
	ReadModeCurated ReadMode = "curated"
	ReadModeLines   ReadMode = "lines"
)

// LineRange is an inclusive 1-indexed line span, used when ReadMode is lines.
type LineRange struct {
	Start int
	End   int
}

// CuratedResult is a summary produced by the external curator agent, tied
// to the conversational context in which it was produced.
type CuratedResult struct {
	ConversationHash string
	Summary          string
}

// FileReadRecord is the per-path read history.
type FileReadRecord struct {
	Path          string
	OriginalHash  uint64 // 64-bit hash of raw content at read time
	LastReadTime  time.Time
	Mode          ReadMode
	LineRange     *LineRange
	CuratedResult *CuratedResult
}

// ModificationKind identifies what happened to a file.
type ModificationKind string

const (
	ModCreated  ModificationKind = "created"
	ModModified ModificationKind = "modified"
	ModDeleted  ModificationKind = "deleted"
)

// ModificationRecord is one append-only entry in the bounded modification ring.
type ModificationRecord struct {
	Path          string
	Kind          ModificationKind
	Timestamp     time.Time
	Summary       string
	RelatedTodoID string
}

// TodoStatus is the lifecycle state of a TodoRecord.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoRecord is one tracked task. Exactly one TodoRecord may be active at a
// time; while active, files touched by reads/modifications accumulate in
// the tracker's per-todo touched-files set.
type TodoRecord struct {
	ID      string
	Content string
	Status  TodoStatus
}

// DefaultModificationRingSize bounds the modification ring; oldest entries
// are dropped once full.
const DefaultModificationRingSize = 200

// Tracker is the Context Tracker. All operations are safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	fileReads     map[string]*FileReadRecord
	modifications []ModificationRecord
	ringSize      int

	activeTodo      *TodoRecord
	touchedForTodo  map[string]map[string]bool // todoID -> set of paths
}

// New creates an empty Tracker with the default modification ring size.
func New() *Tracker {
	return NewWithRingSize(DefaultModificationRingSize)
}

// NewWithRingSize creates an empty Tracker with a custom modification ring size.
func NewWithRingSize(ringSize int) *Tracker {
	if ringSize <= 0 {
		ringSize = DefaultModificationRingSize
	}
	return &Tracker{
		fileReads:      make(map[string]*FileReadRecord),
		ringSize:       ringSize,
		touchedForTodo: make(map[string]map[string]bool),
	}
}

// hashContent computes the cheap 64-bit content hash used to detect whether
// a re-read invalidates a previously cached curator summary.
func hashContent(content string) uint64 {
	return xxhash.Sum64String(content)
}

// TrackFileRead records (or updates) a file read. If a previous read exists
// for the same path, the new hash and time overwrite it; the curated result
// is invalidated only if the content hash changed.
//
// Never fails the surrounding request: any unexpected state is logged and
// swallowed rather than returned as an error.
func (t *Tracker) TrackFileRead(path, content string, mode ReadMode, lineRange *LineRange) {
	if path == "" {
		log.Printf("ctxtrack: TrackFileRead called with empty path, skipping")
		return
	}
	hash := hashContent(content)

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.fileReads[path]
	if !ok {
		t.fileReads[path] = &FileReadRecord{
			Path:         path,
			OriginalHash: hash,
			LastReadTime: time.Now(),
			Mode:         mode,
			LineRange:    lineRange,
		}
	} else {
		if existing.OriginalHash != hash {
			existing.CuratedResult = nil
		}
		existing.OriginalHash = hash
		existing.LastReadTime = time.Now()
		existing.Mode = mode
		existing.LineRange = lineRange
	}

	t.touchActiveTodoLocked(path)
}

// AttachCuratorCache records a curator summary for a path that has already
// been read. If the path has no FileReadRecord yet, the call is a no-op
// (logged) — the curator should only ever run after a read.
func (t *Tracker) AttachCuratorCache(path, summary, conversationHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.fileReads[path]
	if !ok {
		log.Printf("ctxtrack: AttachCuratorCache for untracked path %q, skipping", path)
		return
	}
	rec.CuratedResult = &CuratedResult{ConversationHash: conversationHash, Summary: summary}
}

// TrackModification appends an entry to the bounded modification ring,
// dropping the oldest entry if the ring is full.
func (t *Tracker) TrackModification(path string, kind ModificationKind, summary, relatedTodo string) {
	if path == "" {
		log.Printf("ctxtrack: TrackModification called with empty path, skipping")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.modifications = append(t.modifications, ModificationRecord{
		Path:          path,
		Kind:          kind,
		Timestamp:     time.Now(),
		Summary:       summary,
		RelatedTodoID: relatedTodo,
	})
	if len(t.modifications) > t.ringSize {
		t.modifications = t.modifications[len(t.modifications)-t.ringSize:]
	}

	t.touchActiveTodoLocked(path)
}

// touchActiveTodoLocked records path in the active todo's touched-files set.
// Caller must hold t.mu.
func (t *Tracker) touchActiveTodoLocked(path string) {
	if t.activeTodo == nil {
		return
	}
	set, ok := t.touchedForTodo[t.activeTodo.ID]
	if !ok {
		set = make(map[string]bool)
		t.touchedForTodo[t.activeTodo.ID] = set
	}
	set[path] = true
}

// SetActiveTodo switches the active-todo pointer.
func (t *Tracker) SetActiveTodo(id, content string, status TodoStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeTodo = &TodoRecord{ID: id, Content: content, Status: status}
	if _, ok := t.touchedForTodo[id]; !ok {
		t.touchedForTodo[id] = make(map[string]bool)
	}
}

// ClearActiveTodo unsets the active-todo pointer. The touched-files set for
// that todo is preserved for later querying.
func (t *Tracker) ClearActiveTodo() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeTodo = nil
}

// ActiveTodo returns the current active todo, or nil if none is set.
func (t *Tracker) ActiveTodo() *TodoRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeTodo == nil {
		return nil
	}
	cp := *t.activeTodo
	return &cp
}

// FilesTouchedForTodo returns the set of paths touched while the given todo
// was active, in ascending lexicographic order.
func (t *Tracker) FilesTouchedForTodo(todoID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.touchedForTodo[todoID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FileRead returns the read record for path, if any.
func (t *Tracker) FileRead(path string) (FileReadRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.fileReads[path]
	if !ok {
		return FileReadRecord{}, false
	}
	return *rec, true
}

// FileReadsByPath returns every tracked file read, ordered by path
// (never by time — see the injector's cache-stability rationale).
func (t *Tracker) FileReadsByPath() []FileReadRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileReadRecord, 0, len(t.fileReads))
	for _, rec := range t.fileReads {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RecentModifications returns the most recent n modification records,
// newest last (insertion order).
func (t *Tracker) RecentModifications(n int) []ModificationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.modifications) {
		n = len(t.modifications)
	}
	out := make([]ModificationRecord, n)
	copy(out, t.modifications[len(t.modifications)-n:])
	return out
}
