package perms

import "strings"

// MatchGlob matches a slash-separated relative path against a glob
// pattern. `*` matches a run of non-separator characters, `**` matches
// any run including separators, `?` matches one non-separator character.
// Everything else is literal. The matcher is iterative with backtrack
// points for the last `*` and the last `**`, so pathological patterns
// stay linear-ish instead of exponential.
func MatchGlob(pattern, name string) bool {
	pi, ni := 0, 0
	starPi, starNi := -1, 0
	dstarPi, dstarNi := -1, 0
	dstarSeg := false

	for ni < len(name) {
		if pi < len(pattern) {
			c := pattern[pi]
			switch {
			case c == '*' && pi+1 < len(pattern) && pattern[pi+1] == '*':
				dstarPi, dstarNi = pi, ni
				starPi = -1
				pi, dstarSeg = skipDoublestar(pattern, pi)
				continue
			case c == '*':
				starPi, starNi = pi, ni
				pi++
				continue
			case c == '?':
				if name[ni] != '/' {
					pi++
					ni++
					continue
				}
			default:
				if c == name[ni] {
					pi++
					ni++
					continue
				}
			}
		}
		// Mismatch. A single star may swallow one more non-separator
		// character; failing that, the last doublestar swallows more.
		if starPi >= 0 && name[starNi] != '/' {
			starNi++
			pi = starPi + 1
			ni = starNi
			continue
		}
		if dstarPi >= 0 {
			if dstarSeg {
				// Pattern resumes at a segment boundary, so the doublestar
				// must swallow whole segments.
				slash := strings.IndexByte(name[dstarNi:], '/')
				if slash < 0 {
					return false
				}
				dstarNi += slash + 1
			} else {
				dstarNi++
			}
			pi, _ = skipDoublestar(pattern, dstarPi)
			ni = dstarNi
			starPi = -1
			continue
		}
		return false
	}

	// Trailing single stars match empty.
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	if pi == len(pattern) {
		return true
	}
	// "a/**" also covers "a" itself.
	rest := pattern[pi:]
	return rest == "/**" || rest == "**"
}

// skipDoublestar advances past a `*` run and one following separator,
// reporting whether the separator was consumed: `a/**/b` resumes at "b"
// but only matches at segment boundaries.
func skipDoublestar(pattern string, pi int) (int, bool) {
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	if pi < len(pattern) && pattern[pi] == '/' {
		return pi + 1, true
	}
	return pi, false
}
