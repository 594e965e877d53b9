package kvutil

import "strings"

// NextPrefix returns a prefix that is lexicographically larger than the input prefix
func NextPrefix(prefix []byte) []byte {
	buf := make([]byte, len(prefix))
	copy(buf, prefix)
	var i int
	for i = len(prefix) - 1; i >= 0; i-- {
		buf[i]++
		if buf[i] != 0 {
			break
		}
	}
	if i == -1 {
		buf = make([]byte, 0)
	}
	return buf
}

// Key joins the given parts with '/' into a key
func Key(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

// Prefix is like Key but with a trailing '/' so it only matches children of the path
func Prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, "/") + "/")
}
