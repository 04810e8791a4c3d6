// Package hotcontext implements the hot-context injector: a small,
// prefix-stable "situational" system message synthesized from the context
// tracker and the recent conversation, inserted just before the newest
// user message in the outgoing request. It is never stored in the message
// store — the string is produced fresh for one request and owned by that
// request's assembly only.
package hotcontext

import (
	"sort"
	"strings"

	"anchor/core/ctxtrack"
	"anchor/core/provider"
)

// DefaultRecentMessageWindow bounds how many of the most recent messages
// are consulted for the relevant-files substring filter.
const DefaultRecentMessageWindow = 10

// DefaultRecentModificationCount bounds how many modification entries
// appear in section 2.
const DefaultRecentModificationCount = 5

// Indexer is the external knowledge-graph collaborator consulted for the
// optional fourth section. A nil Indexer (or one returning nothing) simply
// omits the section — it never blocks or errors the injector.
type Indexer interface {
	RelatedSymbols(paths []string) []string
}

// Generate produces the hot-context system message, or ("", false) if
// nothing is relevant this turn. Section order is fixed and section
// headers never change, so the cache prefix is stable across turns where
// the underlying set is unchanged.
func Generate(tracker *ctxtrack.Tracker, recentMessages []provider.Message, indexer Indexer) (string, bool) {
	return GenerateWithWindow(tracker, recentMessages, indexer, DefaultRecentMessageWindow, DefaultRecentModificationCount)
}

// GenerateWithWindow is Generate with explicit window sizes, exposed for testing.
func GenerateWithWindow(tracker *ctxtrack.Tracker, recentMessages []provider.Message, indexer Indexer, messageWindow, modCount int) (string, bool) {
	if tracker == nil {
		return "", false
	}

	windowed := recentMessages
	if messageWindow > 0 && len(windowed) > messageWindow {
		windowed = windowed[len(windowed)-messageWindow:]
	}

	relevantFiles := relevantFilePaths(tracker, windowed)
	recentMods := tracker.RecentModifications(modCount)
	activeTodo := tracker.ActiveTodo()

	var touchedForActiveTodo []string
	if activeTodo != nil {
		touchedForActiveTodo = tracker.FilesTouchedForTodo(activeTodo.ID)
	}

	if len(relevantFiles) == 0 && len(recentMods) == 0 && activeTodo == nil {
		return "", false
	}

	var b strings.Builder

	if len(relevantFiles) > 0 {
		b.WriteString("## Relevant files\n")
		for _, path := range relevantFiles {
			b.WriteString("- ")
			b.WriteString(path)
			b.WriteString("\n")
		}
	}

	if len(recentMods) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Recent modifications\n")
		for _, m := range recentMods {
			b.WriteString("- ")
			b.WriteString(string(m.Kind))
			b.WriteString(" ")
			b.WriteString(m.Path)
			if m.Summary != "" {
				b.WriteString(": ")
				b.WriteString(m.Summary)
			}
			if m.RelatedTodoID != "" {
				b.WriteString(" (todo: ")
				b.WriteString(m.RelatedTodoID)
				b.WriteString(")")
			}
			b.WriteString("\n")
		}
	}

	if activeTodo != nil {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Active todo\n")
		b.WriteString("- ")
		b.WriteString(activeTodo.ID)
		b.WriteString(": ")
		b.WriteString(activeTodo.Content)
		b.WriteString("\n")
		if len(touchedForActiveTodo) > 0 {
			b.WriteString("Touched files: ")
			b.WriteString(strings.Join(touchedForActiveTodo, ", "))
			b.WriteString("\n")
		}
	}

	if indexer != nil && len(relevantFiles) > 0 {
		if symbols := indexer.RelatedSymbols(relevantFiles); len(symbols) > 0 {
			sorted := append([]string{}, symbols...)
			sort.Strings(sorted)
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("## Related symbols\n")
			b.WriteString(strings.Join(sorted, ", "))
			b.WriteString("\n")
		}
	}

	return b.String(), true
}

// relevantFilePaths returns every tracked file path that is either touched
// by the active todo or mentioned (substring) in the recent-message window,
// in ascending lexicographic order — a deterministic ordering chosen so the
// prefix stays byte-stable when the relevant set is unchanged.
func relevantFilePaths(tracker *ctxtrack.Tracker, windowed []provider.Message) []string {
	activeTodo := tracker.ActiveTodo()
	var touched map[string]bool
	if activeTodo != nil {
		touched = make(map[string]bool)
		for _, p := range tracker.FilesTouchedForTodo(activeTodo.ID) {
			touched[p] = true
		}
	}

	var relevant []string
	for _, rec := range tracker.FileReadsByPath() {
		if touched != nil && touched[rec.Path] {
			relevant = append(relevant, rec.Path)
			continue
		}
		if mentionedInAny(rec.Path, windowed) {
			relevant = append(relevant, rec.Path)
		}
	}
	// FileReadsByPath is already path-ordered, so no further sort is needed.
	return relevant
}

func mentionedInAny(path string, messages []provider.Message) bool {
	for _, m := range messages {
		if strings.Contains(m.Content, path) {
			return true
		}
	}
	return false
}
