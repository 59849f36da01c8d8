package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"

	"github.com/vektah/gqlparser/v2/ast"
)

// DefaultMaxDepth bounds selection nesting.
const DefaultMaxDepth = 64

var typeNamePattern = regexp.MustCompile(`^[_A-Z][_0-9A-Za-z]*$`)

// reservedTypeConditions cannot carry object selections.
var reservedTypeConditions = map[string]struct{}{
	"String":       {},
	"Int":          {},
	"Float":        {},
	"Boolean":      {},
	"ID":           {},
	"__Schema":     {},
	"__Type":       {},
	"__Field":      {},
	"__InputValue": {},
	"__EnumValue":  {},
	"__Directive":  {},
}

func validateTypeCondition(name string) error {
	if !typeNamePattern.MatchString(name) {
		return unsupported("invalid type condition %q", name)
	}
	if _, ok := reservedTypeConditions[name]; ok {
		return unsupported("reserved type condition %q", name)
	}
	return nil
}

type fragment struct {
	def *ast.FragmentDefinition
	// digest covers the definition and every fragment it reaches. Empty
	// until computed, and left empty when a reachable spread is undefined.
	digest   string
	resolved bool
}

// fragmentRegistry is the set of fragment definitions of one document.
type fragmentRegistry struct {
	fragments map[string]*fragment
}

func newFragmentRegistry(defs ast.FragmentDefinitionList) (*fragmentRegistry, error) {
	r := &fragmentRegistry{fragments: make(map[string]*fragment, len(defs))}
	for _, def := range defs {
		if _, ok := r.fragments[def.Name]; ok {
			return nil, &DuplicateFragmentError{Name: def.Name}
		}
		r.fragments[def.Name] = &fragment{def: def}
	}
	return r, nil
}

func (r *fragmentRegistry) get(name string) (*fragment, bool) {
	f, ok := r.fragments[name]
	if ok && !f.resolved {
		f.digest = r.closureDigest(name)
		f.resolved = true
	}
	return f, ok
}

// closureDigest hashes every definition reachable from name. It returns ""
// when a reachable spread names an undefined fragment, so the lookup is
// skipped and resolution reports the missing name.
func (r *fragmentRegistry) closureDigest(name string) string {
	seen := make(map[string]struct{})
	var walk func(string) bool
	walk = func(n string) bool {
		if _, ok := seen[n]; ok {
			return true
		}
		f, ok := r.fragments[n]
		if !ok {
			return false
		}
		seen[n] = struct{}{}
		for _, dep := range spreadNames(f.def.SelectionSet, nil) {
			if !walk(dep) {
				return false
			}
		}
		return true
	}
	if !walk(name) {
		return ""
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(name))
	for _, n := range names {
		h.Write([]byte{0})
		h.Write([]byte(fragmentDigest(r.fragments[n].def)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// spreadNames collects the fragment names spread anywhere inside set.
func spreadNames(set ast.SelectionSet, out []string) []string {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			out = spreadNames(s.SelectionSet, out)
		case *ast.InlineFragment:
			out = spreadNames(s.SelectionSet, out)
		case *ast.FragmentSpread:
			out = append(out, s.Name)
		}
	}
	return out
}

func (r *fragmentRegistry) len() int {
	return len(r.fragments)
}

// resolver flattens a selection set depth-first, keeping duplicates.
type resolver struct {
	registry *fragmentRegistry
	cache    *FragmentCache
	metrics  *Metrics
	maxDepth int

	// stack is the chain of fragments being resolved.
	stack []string
}

// selectionSet returns the fields of set, which sits at the given depth, and
// the number of levels it spans.
func (r *resolver) selectionSet(set ast.SelectionSet, depth int) ([]string, int, error) {
	if depth > r.maxDepth {
		return nil, 0, unsupported("selection nesting deeper than %d", r.maxDepth)
	}

	var fields []string
	height := 1
	for _, sel := range set {
		var (
			sub []string
			h   int
			err error
		)
		switch s := sel.(type) {
		case *ast.Field:
			fields = append(fields, s.Name)
			if len(s.SelectionSet) == 0 {
				continue
			}
			sub, h, err = r.selectionSet(s.SelectionSet, depth+1)
			h++
		case *ast.InlineFragment:
			if s.TypeCondition != "" {
				if err := validateTypeCondition(s.TypeCondition); err != nil {
					return nil, 0, err
				}
			}
			sub, h, err = r.selectionSet(s.SelectionSet, depth)
		case *ast.FragmentSpread:
			sub, h, err = r.spread(s.Name, depth)
		default:
			return nil, 0, unsupported("selection of type %T", sel)
		}
		if err != nil {
			return nil, 0, err
		}
		fields = append(fields, sub...)
		height = max(height, h)
	}
	return fields, height, nil
}

func (r *resolver) spread(name string, depth int) ([]string, int, error) {
	f, ok := r.registry.get(name)
	if !ok {
		return nil, 0, &FragmentNotFoundError{Name: name}
	}

	key := cacheKey{name: name, digest: f.digest}
	cacheable := f.digest != ""
	if cacheable {
		if cached, ok := r.cache.get(key); ok {
			r.metrics.recordCacheLookup(true)
			if depth+cached.height-1 > r.maxDepth {
				return nil, 0, unsupported("selection nesting deeper than %d", r.maxDepth)
			}
			return cached.fields, cached.height, nil
		}
		r.metrics.recordCacheLookup(false)
	}

	for i, active := range r.stack {
		if active == name {
			cycle := append(append([]string(nil), r.stack[i:]...), name)
			return nil, 0, &CycleError{Cycle: cycle}
		}
	}

	if err := validateTypeCondition(f.def.TypeCondition); err != nil {
		return nil, 0, err
	}

	r.stack = append(r.stack, name)
	fields, height, err := r.selectionSet(f.def.SelectionSet, depth)
	r.stack = r.stack[:len(r.stack)-1]
	if err != nil {
		return nil, 0, err
	}

	if cacheable {
		r.cache.put(key, fields, height)
	}
	return fields, height, nil
}
