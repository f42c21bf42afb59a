// Package util contains misc internal utilities.
package util

import (
	"fmt"
	"strconv"
	"strings"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// CSVToIntSlice is the inverse of IntSliceToCSV.  Whitespace around each
// value is ignored, and an empty string is an empty slice.
func CSVToIntSlice(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	pieces := strings.Split(s, ",")
	out := make([]int, len(pieces))
	for i, p := range pieces {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("element %d of %q: %w", i, s, err)
		}
		out[i] = v
	}
	return out, nil
}

// SplitCSV splits a comma separated list of names, dropping empty entries
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SubMuxSanitize converts a URL into the form a submux is mounted at,
// e.g. "omc/nkt/" or "/omc/nkt/*" => "/omc/nkt"
func SubMuxSanitize(s string) string {
	s = strings.TrimSuffix(s, "*")
	s = strings.Trim(s, "/")
	return "/" + s
}
