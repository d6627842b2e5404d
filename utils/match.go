package utils

import "strings"

// Match reports whether value matches pattern. Patterns may contain '*',
// which matches any run of characters (including none). An empty pattern
// matches nothing; "*" matches everything.
//
// Values and patterns may be qualified as "type:id". A bare "type" pattern
// covers every id of that type; a "type:*" pattern also covers a bare value.
func Match(value, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" || pattern == value {
		return true
	}
	pi := strings.IndexByte(pattern, ':')
	vi := strings.IndexByte(value, ':')
	switch {
	case pi < 0 && vi >= 0:
		return glob(value[:vi], pattern)
	case pi >= 0 && vi < 0:
		return pattern[pi+1:] == "*" && glob(value, pattern[:pi])
	}
	return glob(value, pattern)
}

// MatchAny reports whether value matches any pattern. An empty list matches
// everything.
func MatchAny(value string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if Match(value, p) {
			return true
		}
	}
	return false
}

// glob is an iterative wildcard matcher with single-star backtracking.
func glob(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	starP, starV := -1, 0
	for vIndex < len(value) {
		switch {
		case pIndex < len(pattern) && pattern[pIndex] == '*':
			starP, starV = pIndex, vIndex
			pIndex++
		case pIndex < len(pattern) && pattern[pIndex] == value[vIndex]:
			vIndex++
			pIndex++
		case starP >= 0:
			starV++
			vIndex = starV
			pIndex = starP + 1
		default:
			return false
		}
	}
	for pIndex < len(pattern) && pattern[pIndex] == '*' {
		pIndex++
	}
	return pIndex == len(pattern)
}
