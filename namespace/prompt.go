// Package namespace implements the prompt and resource registries of spec
// §4.M: per-service namespacing with an alias fallback, case-insensitive
// conflict detection, and decimal-string pagination. Grounded on
// original_source/src/prompts/mod.rs and original_source/src/resources/mod.rs.
package namespace

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
)

// DefaultPageSize is used when a caller does not request a page size,
// matching spec §4.M.
const DefaultPageSize = 100

var nonTokenRun = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Sanitize replaces runs of non-[alnum,_,-] characters with a single
// hyphen, collapsing and trimming, without altering case. Ported from
// original_source's sanitize_name.
func Sanitize(s string) string {
	replaced := nonTokenRun.ReplaceAllString(s, "-")
	parts := strings.Split(replaced, "-")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "-")
}

// DiscoveredPrompt is a prompt as seen from a backend's tools/list-adjacent
// prompts/list response, before namespacing is applied.
type DiscoveredPrompt struct {
	Name        string
	Title       string
	Description string
	ArgCount    int
	ServiceID   ids.ServiceId
	ServiceName string
}

type promptEntry struct {
	prompt         DiscoveredPrompt
	namespacedName string
	isConflict     bool
}

// PromptRegistry indexes discovered prompts by their namespaced name
// ("service-prompt") and aliases each by its bare name, matching spec
// §4.M's prompt registry.
type PromptRegistry struct {
	mu               sync.RWMutex
	entries          map[string]promptEntry // namespaced name -> entry
	aliases          map[string]string      // bare name -> namespaced name
	servicesByPrompt map[string][]ids.ServiceId
}

// NewPromptRegistry returns an empty PromptRegistry.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{
		entries:          map[string]promptEntry{},
		aliases:          map[string]string{},
		servicesByPrompt: map[string][]ids.ServiceId{},
	}
}

// Clear empties the registry. Re-discovery calls this before repopulating,
// per SPEC_FULL's discovery pipeline note.
func (r *PromptRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = map[string]promptEntry{}
	r.aliases = map[string]string{}
	r.servicesByPrompt = map[string][]ids.ServiceId{}
}

// Register indexes one discovered prompt under its namespaced name and
// aliases its bare name to that namespaced name.
func (r *PromptRegistry) Register(p DiscoveredPrompt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.servicesByPrompt[p.Name] = append(r.servicesByPrompt[p.Name], p.ServiceID)

	namespaced := fmt.Sprintf("%s-%s", Sanitize(p.ServiceName), Sanitize(p.Name))
	r.entries[namespaced] = promptEntry{prompt: p, namespacedName: namespaced}
	r.aliases[p.Name] = namespaced
}

// markConflicts flags every prompt whose bare name collides
// case-insensitively with another service's prompt. Caller must hold the
// write lock.
func (r *PromptRegistry) markConflicts() {
	counts := map[string]int{}
	for name, services := range r.servicesByPrompt {
		counts[strings.ToLower(name)] += len(services)
	}
	for key, entry := range r.entries {
		if counts[strings.ToLower(entry.prompt.Name)] > 1 {
			entry.isConflict = true
			r.entries[key] = entry
		}
	}
}

// Prompt is a prompt as presented to the client: namespaced name, and (for
// conflicting bare names) a description annotated per spec §4.M / the
// original's exact phrasing.
type Prompt struct {
	Name        string
	Title       string
	Description string
	ServiceID   ids.ServiceId
}

// List returns every registered prompt under its namespaced name, with
// conflict annotations applied.
func (r *PromptRegistry) List() []Prompt {
	r.mu.Lock()
	r.markConflicts()
	out := make([]Prompt, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, Prompt{
			Name:        entry.namespacedName,
			Title:       entry.prompt.Title,
			Description: describePrompt(entry),
			ServiceID:   entry.prompt.ServiceID,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func describePrompt(entry promptEntry) string {
	desc := entry.prompt.Description
	if desc == "" {
		desc = "Prompt"
	}
	if !entry.isConflict {
		if entry.prompt.Description == "" {
			return fmt.Sprintf("Prompt from %s", entry.prompt.ServiceName)
		}
		return entry.prompt.Description
	}

	argInfo := ""
	if n := entry.prompt.ArgCount; n > 0 {
		plural := "s"
		if n == 1 {
			plural = ""
		}
		argInfo = fmt.Sprintf(" (%d argument%s)", n, plural)
	}
	return fmt.Sprintf(
		"%s (from %s)%s\n\nNote: This prompt name is used by multiple services (%d arguments). Use the namespaced variant (e.g. %s) to be specific.",
		desc, entry.prompt.ServiceName, argInfo, entry.prompt.ArgCount, entry.namespacedName,
	)
}

// Resolve implements spec §4.M's resolution order: direct match → alias →
// service:name pattern (sanitized) → case-insensitive retry on each.
// Returns the resolved ServiceId and the backend-local prompt name.
func (r *PromptRegistry) Resolve(name string) (ids.ServiceId, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.entries[name]; ok {
		return entry.prompt.ServiceID, entry.prompt.Name, true
	}
	if namespaced, ok := r.aliases[name]; ok {
		if entry, ok := r.entries[namespaced]; ok {
			return entry.prompt.ServiceID, entry.prompt.Name, true
		}
	}
	if service, prompt, ok := strings.Cut(name, ":"); ok {
		sanService, sanPrompt := Sanitize(service), Sanitize(prompt)
		for _, entry := range r.entries {
			if Sanitize(entry.prompt.ServiceName) == sanService && Sanitize(entry.prompt.Name) == sanPrompt {
				return entry.prompt.ServiceID, entry.prompt.Name, true
			}
		}
		sanServiceLower, sanPromptLower := strings.ToLower(sanService), strings.ToLower(sanPrompt)
		for _, entry := range r.entries {
			if strings.ToLower(Sanitize(entry.prompt.ServiceName)) == sanServiceLower &&
				strings.ToLower(Sanitize(entry.prompt.Name)) == sanPromptLower {
				return entry.prompt.ServiceID, entry.prompt.Name, true
			}
		}
	}

	lower := strings.ToLower(name)
	for key, entry := range r.entries {
		if strings.ToLower(key) == lower {
			return entry.prompt.ServiceID, entry.prompt.Name, true
		}
	}
	for alias, namespaced := range r.aliases {
		if strings.ToLower(alias) == lower {
			if entry, ok := r.entries[namespaced]; ok {
				return entry.prompt.ServiceID, entry.prompt.Name, true
			}
		}
	}
	return "", "", false
}

// Page is one page of a paginated listing, with the decimal-string cursor
// for the next page populated only if more results remain.
type Page struct {
	Items      []Prompt
	NextCursor string
}

// ListPage returns one page of prompts starting at cursor (a decimal
// string offset, "" meaning 0), sized to pageSize (DefaultPageSize if <= 0).
func (r *PromptRegistry) ListPage(cursor string, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	offset, err := parseCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	all := r.List()
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + pageSize
	if end > len(all) {
		end = len(all)
	}
	page := Page{Items: all[offset:end]}
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func parseCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("namespace: invalid cursor %q", cursor)
	}
	return n, nil
}
