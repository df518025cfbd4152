package querycache

import "strings"

// Key identifies a cached query. The first element is the prefix that selects
// the cache policy, e.g. Key{"orders", companyID, "open"}.
type Key []string

const keySep = "\x1f"

// Prefix returns the first element of the key, or "" for an empty key
func (k Key) Prefix() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

// HasPrefix reports whether k starts with every element of prefix
func (k Key) HasPrefix(prefix ...string) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, p := range prefix {
		if k[i] != p {
			return false
		}
	}
	return true
}

// String renders the key for logs
func (k Key) String() string {
	return "[" + strings.Join(k, " ") + "]"
}

func (k Key) id() string {
	return strings.Join(k, keySep)
}

func (k Key) clone() Key {
	return append(Key(nil), k...)
}
