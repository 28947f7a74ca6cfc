package pattern

import (
	"path/filepath"
	"strings"
)

// MatchedFile is a workspace file together with the object key suffix it
// is uploaded under.
type MatchedFile struct {
	AbsolutePath string
	RelativeKey  string
}

// PrefixLength returns the number of leading characters of
// workspace joined with pattern that precede the first '*'. Without any
// '*' the full length of the joined path is returned. A '*' at index 0,
// which needs an empty workspace, yields 0 so that the whole path becomes
// the key.
func PrefixLength(workspace, pattern string) int {
	joined := filepath.Join(workspace, pattern)

	i := strings.Index(joined, "*")
	switch {
	case i > 0:
		return i
	case i == 0:
		return 0
	default:
		return len(joined)
	}
}

// RelativeKey strips prefixLength characters from absolutePath and returns
// the remainder as a slash-separated key with no leading separator. When
// nothing remains (a mask without '*' consumes the whole path) the file
// name is used instead, so the key is never empty.
func RelativeKey(absolutePath string, prefixLength int) string {
	if prefixLength < 0 {
		prefixLength = 0
	}

	if prefixLength > len(absolutePath) {
		prefixLength = len(absolutePath)
	}

	key := strings.TrimLeft(filepath.ToSlash(absolutePath[prefixLength:]), "/")
	if key == "" {
		key = filepath.Base(absolutePath)
	}

	return key
}

// Resolve matches pattern under workspace and derives the key of every
// matched file. Each mask of a comma-separated list strips its own prefix;
// a file matched by more than one mask keeps the key of the first. With a
// single mask this is PrefixLength(workspace, pattern) applied to every
// match, in lexical order.
func (m *Matcher) Resolve(
	workspace, pattern string, excludes ...string,
) ([]MatchedFile, error) {
	groups, err := m.MatchEach(workspace, pattern, excludes...)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, 16)
	files := make([]MatchedFile, 0, 16)

	for _, g := range groups {
		prefix := PrefixLength(workspace, g.Mask)
		if len(groups) == 1 {
			prefix = PrefixLength(workspace, strings.TrimSpace(pattern))
		}

		for _, p := range g.Paths {
			if _, ok := seen[p]; ok {
				continue
			}

			seen[p] = struct{}{}
			files = append(files, MatchedFile{
				AbsolutePath: p,
				RelativeKey:  RelativeKey(p, prefix),
			})
		}
	}

	return files, nil
}
