package fileio

import (
	"context"
	"iter"

	"github.com/gobwas/glob"
)

// ============================================================================
// Selector Interface
// ============================================================================

// Selector filters children during enumeration. Selectors compose with
// And, Or and Not.
//
//	sel := fileio.And(fileio.Glob("*.jpg"), fileio.NotHidden())
//	for info, err := range fileio.FilterChildren(fileio.ListChildren(ctx, dir, ""), sel) {
//	    ...
//	}
type Selector interface {
	// Match returns true if the entry should be included.
	Match(info *FileInfo) bool

	// TraverseDescendants returns true if Find should descend into the
	// directory described by info.
	TraverseDescendants(info *FileInfo) bool
}

// FilterChildren returns the entries of seq that sel matches. Errors are
// passed through.
func FilterChildren(seq iter.Seq2[*FileInfo, error], sel Selector) iter.Seq2[*FileInfo, error] {
	if sel == nil {
		return seq
	}
	return func(yield func(*FileInfo, error) bool) {
		for info, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			if sel.Match(info) && !yield(info, nil) {
				return
			}
		}
	}
}

// Find returns the files below dir that sel matches. With recursive set it
// descends into directories that sel allows, depth first, in listing order.
func Find(ctx context.Context, dir File, sel Selector, recursive bool) ([]File, error) {
	if sel == nil {
		sel = All()
	}
	var results []File
	if err := find(ctx, dir, sel, recursive, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func find(ctx context.Context, dir File, sel Selector, recursive bool, results *[]File) error {
	if err := ContextError(ctx); err != nil {
		return &PathError{Op: "find", Path: dir.URI(), Err: err}
	}

	for info, err := range ListChildren(ctx, dir, "standard::*") {
		if err != nil {
			return err
		}
		child := dir.Child(info.Name())
		if sel.Match(info) {
			*results = append(*results, child)
		}
		if recursive && info.IsDir() && sel.TraverseDescendants(info) {
			if err := find(ctx, child, sel, recursive, results); err != nil {
				return err
			}
		}
	}
	return nil
}

// ============================================================================
// Built-in Selectors
// ============================================================================

// AllSelector matches everything and traverses all directories.
type AllSelector struct{}

func (s AllSelector) Match(info *FileInfo) bool               { return true }
func (s AllSelector) TraverseDescendants(info *FileInfo) bool { return true }

// All returns a selector that matches everything.
func All() Selector {
	return AllSelector{}
}

type globSelector struct {
	pattern string
	g       glob.Glob
}

// CompileGlob builds a name selector from a glob pattern. Supported syntax:
// *, ?, [abc], [a-z], [!a-z] and {alt1,alt2}.
func CompileGlob(pattern string) (Selector, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &globSelector{pattern: pattern, g: g}, nil
}

// Glob is CompileGlob for patterns known to be valid. An invalid pattern
// yields a selector that matches nothing.
//
//	Glob("*.txt")
//	Glob("image_????.{jpg,png}")
func Glob(pattern string) Selector {
	sel, err := CompileGlob(pattern)
	if err != nil {
		return FuncSelector(func(*FileInfo) bool { return false })
	}
	return sel
}

func (s *globSelector) Match(info *FileInfo) bool {
	return s.g.Match(info.Name())
}

func (s *globSelector) TraverseDescendants(info *FileInfo) bool {
	return true
}

// NotHidden excludes entries with standard::is-hidden set.
func NotHidden() Selector {
	return FuncSelectorFull(
		func(info *FileInfo) bool {
			hidden, _ := info.GetBool(AttrStandardIsHidden)
			return !hidden
		},
		func(info *FileInfo) bool {
			hidden, _ := info.GetBool(AttrStandardIsHidden)
			return !hidden
		},
	)
}

// ============================================================================
// Composable Selectors (And, Or, Not)
// ============================================================================

type andSelector struct {
	selectors []Selector
}

// And matches only if every selector matches.
func And(selectors ...Selector) Selector {
	return &andSelector{selectors: selectors}
}

func (s *andSelector) Match(info *FileInfo) bool {
	for _, sel := range s.selectors {
		if !sel.Match(info) {
			return false
		}
	}
	return true
}

func (s *andSelector) TraverseDescendants(info *FileInfo) bool {
	for _, sel := range s.selectors {
		if !sel.TraverseDescendants(info) {
			return false
		}
	}
	return true
}

type orSelector struct {
	selectors []Selector
}

// Or matches if any selector matches.
func Or(selectors ...Selector) Selector {
	return &orSelector{selectors: selectors}
}

func (s *orSelector) Match(info *FileInfo) bool {
	for _, sel := range s.selectors {
		if sel.Match(info) {
			return true
		}
	}
	return false
}

func (s *orSelector) TraverseDescendants(info *FileInfo) bool {
	for _, sel := range s.selectors {
		if sel.TraverseDescendants(info) {
			return true
		}
	}
	return false
}

type notSelector struct {
	selector Selector
}

// Not inverts a selector's match result. Traversal is unaffected.
func Not(selector Selector) Selector {
	return &notSelector{selector: selector}
}

func (s *notSelector) Match(info *FileInfo) bool {
	return !s.selector.Match(info)
}

func (s *notSelector) TraverseDescendants(info *FileInfo) bool {
	return true
}

// ============================================================================
// FuncSelector
// ============================================================================

type funcSelector struct {
	matchFn    func(*FileInfo) bool
	traverseFn func(*FileInfo) bool
}

// FuncSelector creates a selector from a match function.
func FuncSelector(fn func(*FileInfo) bool) Selector {
	return &funcSelector{
		matchFn:    fn,
		traverseFn: func(*FileInfo) bool { return true },
	}
}

// FuncSelectorFull creates a selector with custom match and traverse functions.
func FuncSelectorFull(matchFn, traverseFn func(*FileInfo) bool) Selector {
	return &funcSelector{
		matchFn:    matchFn,
		traverseFn: traverseFn,
	}
}

func (s *funcSelector) Match(info *FileInfo) bool               { return s.matchFn(info) }
func (s *funcSelector) TraverseDescendants(info *FileInfo) bool { return s.traverseFn(info) }
