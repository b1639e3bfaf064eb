package namespace

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
)

// MaxURILength bounds a resource URI, per spec §4.M / original_source's
// MAX_URI_LENGTH.
const MaxURILength = 4096

// ValidateResourceURI implements spec §4.M's resource URI validation,
// ported from original_source/src/resources/mod.rs's is_valid_uri: must
// contain "://", no ".." path-traversal segment, no NUL byte, length
// bounded.
func ValidateResourceURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("namespace: uri must not be empty")
	}
	if len(uri) > MaxURILength {
		return fmt.Errorf("namespace: uri exceeds max length %d", MaxURILength)
	}
	if !strings.Contains(uri, "://") {
		return fmt.Errorf("namespace: uri must contain a scheme (\"://\")")
	}
	if strings.Contains(uri, "../") || strings.Contains(uri, `..\`) {
		return fmt.Errorf("namespace: uri must not contain path traversal segments")
	}
	if strings.ContainsRune(uri, 0) {
		return fmt.Errorf("namespace: uri must not contain a NUL byte")
	}
	return nil
}

// DiscoveredResource is a resource as seen from a backend's resources/list
// response, before namespacing is applied.
type DiscoveredResource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	ServiceID   ids.ServiceId
	ServiceName string
}

// Resource is a resource as presented to the client.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	ServiceID   ids.ServiceId
}

// ResourceRegistry indexes discovered resources by their raw URI, with each
// resource's bare name as an alias, and resolves them in the same order as
// PromptRegistry. URIs are not namespaced per service and no conflict
// annotation is applied; a later registration of the same URI or name
// replaces the earlier one.
type ResourceRegistry struct {
	mu      sync.RWMutex
	byURI   map[string]DiscoveredResource
	aliases map[string]string // bare name -> uri, for resources addressed by name
}

// NewResourceRegistry returns an empty ResourceRegistry.
func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{byURI: map[string]DiscoveredResource{}, aliases: map[string]string{}}
}

// Clear empties the registry; called before re-discovery repopulates it.
func (r *ResourceRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byURI = map[string]DiscoveredResource{}
	r.aliases = map[string]string{}
}

// Register validates and indexes a discovered resource. An invalid URI is
// rejected rather than silently dropped, so discovery can surface it.
func (r *ResourceRegistry) Register(res DiscoveredResource) error {
	if err := ValidateResourceURI(res.URI); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byURI[res.URI] = res
	if res.Name != "" {
		r.aliases[res.Name] = res.URI
	}
	return nil
}

// List returns every registered resource, sorted by URI.
func (r *ResourceRegistry) List() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Resource, 0, len(r.byURI))
	for _, res := range r.byURI {
		out = append(out, Resource{URI: res.URI, Name: res.Name, Description: res.Description, MimeType: res.MimeType, ServiceID: res.ServiceID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Resolve implements the same resolution order as PromptRegistry.Resolve,
// specialized to URI-keyed resources: direct URI match → alias (bare name)
// → service:name pattern → case-insensitive retry on each.
func (r *ResourceRegistry) Resolve(uriOrName string) (ids.ServiceId, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if res, ok := r.byURI[uriOrName]; ok {
		return res.ServiceID, res.URI, true
	}
	if uri, ok := r.aliases[uriOrName]; ok {
		if res, ok := r.byURI[uri]; ok {
			return res.ServiceID, res.URI, true
		}
	}
	if service, name, ok := strings.Cut(uriOrName, ":"); ok && !strings.Contains(uriOrName, "://") {
		sanService, sanName := Sanitize(service), Sanitize(name)
		for _, res := range r.byURI {
			if Sanitize(res.ServiceName) == sanService && Sanitize(res.Name) == sanName {
				return res.ServiceID, res.URI, true
			}
		}
		sanServiceLower, sanNameLower := strings.ToLower(sanService), strings.ToLower(sanName)
		for _, res := range r.byURI {
			if strings.ToLower(Sanitize(res.ServiceName)) == sanServiceLower && strings.ToLower(Sanitize(res.Name)) == sanNameLower {
				return res.ServiceID, res.URI, true
			}
		}
	}

	lower := strings.ToLower(uriOrName)
	for uri, res := range r.byURI {
		if strings.ToLower(uri) == lower {
			return res.ServiceID, res.URI, true
		}
	}
	for alias, uri := range r.aliases {
		if strings.ToLower(alias) == lower {
			if res, ok := r.byURI[uri]; ok {
				return res.ServiceID, res.URI, true
			}
		}
	}
	return "", "", false
}

// ResourcePage is one page of a paginated resource listing.
type ResourcePage struct {
	Items      []Resource
	NextCursor string
}

// ListPage returns one page of resources starting at cursor, sized to
// pageSize (DefaultPageSize if <= 0).
func (r *ResourceRegistry) ListPage(cursor string, pageSize int) (ResourcePage, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	offset, err := parseCursor(cursor)
	if err != nil {
		return ResourcePage{}, err
	}

	all := r.List()
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + pageSize
	if end > len(all) {
		end = len(all)
	}
	page := ResourcePage{Items: all[offset:end]}
	if end < len(all) {
		page.NextCursor = fmt.Sprint(end)
	}
	return page, nil
}
