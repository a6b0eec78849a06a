// Package fdinfo reads DRM file-descriptor info records from procfs.
//
// Every open handle on a /dev/dri node exposes /proc/<pid>/fdinfo/<fd>, a
// newline-delimited list of key/value pairs carrying the driver's cumulative
// per-client counters. This package only finds and tokenizes those records;
// interpreting the vocabulary is up to each GPU backend.
package fdinfo

import "strings"

// SplitKeyValue splits one fdinfo line. The kernel writes "key:\tvalue";
// "key=value" is accepted as well. ok is false for lines of any other shape.
func SplitKeyValue(line string) (key, value string, ok bool) {
	line = strings.TrimRight(line, "\r\n")

	i := strings.IndexAny(line, ":=")
	if i <= 0 {
		return "", "", false
	}

	key = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(line[i+1:])
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, value, true
}
