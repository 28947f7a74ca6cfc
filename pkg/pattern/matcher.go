// Package pattern resolves Ant-style file masks against a workspace and
// derives object keys from the matched paths.
package pattern

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v2"
)

// ErrInvalidMask is returned when a mask cannot be used for matching.
var ErrInvalidMask = errors.New("invalid mask")

// defaultExcludedDirs are version control and tooling directories that are
// never descended into, as with Ant's default excludes.
var defaultExcludedDirs = map[string]struct{}{
	".git": {},
	".svn": {},
	".hg":  {},
	".bzr": {},
	"CVS":  {},
	"SCCS": {},
}

// defaultExcludes are file masks that never match, as with Ant's default
// excludes.
var defaultExcludes = []string{
	"**/*~",
	"**/#*#",
	"**/.#*",
	"**/%*%",
	"**/._*",
	"**/.cvsignore",
	"**/vssver.scc",
	"**/.DS_Store",
	"**/.gitattributes",
	"**/.gitignore",
	"**/.gitmodules",
	"**/.hgignore",
	"**/.hgsub",
	"**/.hgsubstate",
	"**/.hgtags",
	"**/.bzrignore",
}

// entryKind selects which directory entries a scan reports.
type entryKind int

const (
	kindFiles entryKind = iota
	kindDirs
	kindAny
)

// MaskMatch holds the paths matched by one element of a comma-separated
// mask list.
type MaskMatch struct {
	Mask  string
	Paths []string
}

// Matcher matches workspace files against Ant-style masks.
type Matcher struct {
	defaultExcludes bool
}

// NewMatcher creates a Matcher. When defaultExcludes is true, version
// control metadata and editor backup files are never matched.
func NewMatcher(defaultExcludes bool) *Matcher {
	return &Matcher{defaultExcludes: defaultExcludes}
}

// Match returns the paths of regular files under workspace matching pattern
// and none of the excludes. pattern may be a comma-separated list of masks;
// the result is their de-duplicated union in lexical order. Returned paths
// are workspace joined with the matched relative path.
func (m *Matcher) Match(
	workspace, pattern string, excludes ...string,
) ([]string, error) {
	groups, err := m.MatchEach(workspace, pattern, excludes...)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, 16)
	paths := make([]string, 0, 16)

	for _, g := range groups {
		for _, p := range g.Paths {
			if _, ok := seen[p]; ok {
				continue
			}

			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}

	sort.Strings(paths)

	return paths, nil
}

// MatchEach matches every mask of pattern separately, in the order the
// masks are listed. Each group is in lexical order.
func (m *Matcher) MatchEach(
	workspace, pattern string, excludes ...string,
) ([]MaskMatch, error) {
	masks, err := splitMasks(pattern)
	if err != nil {
		return nil, err
	}

	excludeMasks, err := splitExcludes(excludes)
	if err != nil {
		return nil, err
	}

	groups := make([]MaskMatch, 0, len(masks))

	for _, mask := range masks {
		rels, err := m.scan(workspace, mask, excludeMasks, kindFiles)
		if err != nil {
			return nil, err
		}

		paths := make([]string, 0, len(rels))
		for _, rel := range rels {
			paths = append(paths, filepath.Join(workspace, filepath.FromSlash(rel)))
		}

		groups = append(groups, MaskMatch{Mask: mask, Paths: paths})
	}

	return groups, nil
}

// Diagnose explains why pattern matched no files under workspace. It is
// meant to be called after Match returned nothing and always returns a
// human readable reason.
func (m *Matcher) Diagnose(
	workspace, pattern string, excludes ...string,
) string {
	masks, err := splitMasks(pattern)
	if err != nil {
		return err.Error()
	}

	excludeMasks, err := splitExcludes(excludes)
	if err != nil {
		return err.Error()
	}

	if !strings.Contains(pattern, ",") && len(strings.Fields(pattern)) > 1 {
		for _, field := range strings.Fields(pattern) {
			if found, err := m.Match(workspace, field); err == nil && len(found) > 0 {
				return fmt.Sprintf(
					"%q matched no files; whitespace is not a separator, use ',' between masks",
					pattern,
				)
			}
		}
	}

	for _, mask := range masks {
		files, err := m.scan(workspace, mask, nil, kindFiles)
		if err != nil {
			return fmt.Sprintf("%q cannot be matched: %v", mask, err)
		}

		if len(files) == 0 {
			return m.diagnoseMask(workspace, mask)
		}

		if len(excludeMasks) > 0 {
			kept, err := m.scan(workspace, mask, excludeMasks, kindFiles)
			if err == nil && len(kept) == 0 {
				return fmt.Sprintf(
					"every file matched by %q is excluded by %q",
					mask, strings.Join(excludes, ","),
				)
			}
		}
	}

	return fmt.Sprintf("%q is a valid mask but matched no files", pattern)
}

// diagnoseMask looks for the longest leading portion of mask that still
// matches something in the workspace.
func (m *Matcher) diagnoseMask(workspace, mask string) string {
	if dirs, err := m.scan(workspace, mask, nil, kindDirs); err == nil && len(dirs) > 0 {
		return fmt.Sprintf(
			"%q matches a directory, not files; use %q to include its contents",
			mask, mask+"/**",
		)
	}

	segments := strings.Split(mask, "/")

	for k := len(segments) - 1; k >= 1; k-- {
		prefix := strings.Join(segments[:k], "/")

		found, err := m.scan(workspace, prefix, nil, kindAny)
		if err != nil || len(found) == 0 {
			continue
		}

		if k == len(segments)-1 {
			return fmt.Sprintf(
				"%q doesn't match anything, although %q exists", mask, prefix,
			)
		}

		return fmt.Sprintf(
			"%q doesn't match anything: %q exists but not %q",
			mask, prefix, strings.Join(segments[:k+1], "/"),
		)
	}

	if len(segments) > 1 {
		return fmt.Sprintf(
			"%q doesn't match anything: even %q doesn't exist", mask, segments[0],
		)
	}

	return fmt.Sprintf("%q doesn't match anything", mask)
}

// Validate checks the syntax of a comma-separated mask list without
// touching the filesystem.
func Validate(pattern string) error {
	masks, err := splitMasks(pattern)
	if err != nil {
		return err
	}

	for _, mask := range masks {
		if _, err := doublestar.Match(escapeMeta(mask), "probe"); err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidMask, mask, err)
		}
	}

	return nil
}

// HasWildcard reports whether s contains an Ant wildcard.
func HasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?")
}

// scan returns the slash-separated, workspace-relative paths of entries of
// the requested kind that match mask, in lexical order.
func (m *Matcher) scan(
	workspace, mask string, excludes []string, kind entryKind,
) ([]string, error) {
	if !HasWildcard(mask) {
		return m.scanLiteral(workspace, mask, excludes, kind)
	}

	expr := escapeMeta(mask)
	base := literalBase(mask)

	// WalkDir does not descend into a symlinked root, so walk the resolved
	// directory and report paths relative to the caller's workspace.
	root, err := filepath.EvalSymlinks(filepath.Join(workspace, filepath.FromSlash(base)))
	if err != nil {
		return nil, nil
	}

	var matches []string

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Unreadable or missing entries are skipped like Ant does.
			if d != nil && d.IsDir() && p != root {
				return filepath.SkipDir
			}

			if p == root {
				return filepath.SkipAll
			}

			return nil
		}

		sub, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		rel := path.Join(base, filepath.ToSlash(sub))
		if rel == "." {
			return nil
		}

		isDir := d.IsDir()
		if isDir && m.defaultExcludes {
			if _, skip := defaultExcludedDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
		}

		if !isDir && d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(p)
			if err != nil {
				return nil
			}

			isDir = info.IsDir()
		}

		if !kind.accepts(isDir) {
			return nil
		}

		ok, err := doublestar.Match(expr, rel)
		if err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidMask, mask, err)
		}

		if !ok {
			return nil
		}

		excluded, err := m.excluded(rel, isDir, excludes)
		if err != nil {
			return err
		}

		if !excluded {
			matches = append(matches, rel)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(matches)

	return matches, nil
}

// scanLiteral resolves a mask without wildcards, which names at most one
// entry.
func (m *Matcher) scanLiteral(
	workspace, mask string, excludes []string, kind entryKind,
) ([]string, error) {
	info, err := os.Stat(filepath.Join(workspace, filepath.FromSlash(mask)))
	if err != nil {
		// Missing paths and paths through regular files are simply no match.
		return nil, nil
	}

	if !kind.accepts(info.IsDir()) {
		return nil, nil
	}

	if m.defaultExcludes {
		for _, segment := range strings.Split(mask, "/") {
			if _, skip := defaultExcludedDirs[segment]; skip {
				return nil, nil
			}
		}
	}

	excluded, err := m.excluded(mask, info.IsDir(), excludes)
	if err != nil || excluded {
		return nil, err
	}

	return []string{mask}, nil
}

// excluded reports whether rel is hit by the default or user excludes.
func (m *Matcher) excluded(rel string, isDir bool, excludes []string) (bool, error) {
	if m.defaultExcludes && !isDir {
		for _, ex := range defaultExcludes {
			if ok, _ := doublestar.Match(ex, rel); ok {
				return true, nil
			}
		}
	}

	for _, ex := range excludes {
		ok, err := doublestar.Match(escapeMeta(ex), rel)
		if err != nil {
			return false, fmt.Errorf("%w %q: %v", ErrInvalidMask, ex, err)
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

func (k entryKind) accepts(isDir bool) bool {
	switch k {
	case kindFiles:
		return !isDir
	case kindDirs:
		return isDir
	default:
		return true
	}
}

// splitMasks splits a comma-separated mask list and normalises each mask.
func splitMasks(pattern string) ([]string, error) {
	parts := strings.Split(pattern, ",")
	masks := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		mask, err := normalize(part)
		if err != nil {
			return nil, err
		}

		masks = append(masks, mask)
	}

	if len(masks) == 0 {
		return nil, fmt.Errorf("%w: no mask given", ErrInvalidMask)
	}

	return masks, nil
}

func splitExcludes(excludes []string) ([]string, error) {
	var out []string

	for _, ex := range excludes {
		if strings.TrimSpace(ex) == "" {
			continue
		}

		masks, err := splitMasks(ex)
		if err != nil {
			return nil, err
		}

		out = append(out, masks...)
	}

	return out, nil
}

// normalize converts a raw mask to the slash-separated, workspace-relative
// form used for matching.
func normalize(raw string) (string, error) {
	mask := strings.ReplaceAll(raw, `\`, "/")

	if strings.ContainsRune(mask, 0) {
		return "", fmt.Errorf("%w %q: contains NUL", ErrInvalidMask, raw)
	}

	if strings.HasSuffix(mask, "/") {
		mask += "**"
	}

	mask = strings.TrimLeft(mask, "/")
	mask = path.Clean(mask)

	switch {
	case mask == ".":
		return "", fmt.Errorf("%w %q: names the workspace itself", ErrInvalidMask, raw)
	case mask == ".." || strings.HasPrefix(mask, "../"):
		return "", fmt.Errorf("%w %q: escapes the workspace", ErrInvalidMask, raw)
	}

	return mask, nil
}

// literalBase returns the leading directory segments of mask that contain
// no wildcard, joined with '/'. Scanning starts there.
func literalBase(mask string) string {
	segments := strings.Split(mask, "/")
	base := make([]string, 0, len(segments))

	for _, segment := range segments[:len(segments)-1] {
		if HasWildcard(segment) {
			break
		}

		base = append(base, segment)
	}

	return strings.Join(base, "/")
}

// escapeMeta escapes the characters doublestar treats specially but Ant
// treats literally.
func escapeMeta(mask string) string {
	var b strings.Builder

	b.Grow(len(mask))

	for _, r := range mask {
		switch r {
		case '[', ']', '{', '}':
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}
