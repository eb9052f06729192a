// internal/nodelist/parser.go
package nodelist

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// rangeRegex matches one element of a bracket expression, e.g. `7` or `01-03`.
var rangeRegex = regexp.MustCompile(`^(\d+)(?:-(\d+))?$`)

// hostRegex limits the literal parts of a host name.
var hostRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]*$`)

// maxHosts caps the size of one expansion.
const maxHosts = 1 << 16

// Expand returns every host named by list, in order. Entries are separated by
// commas or whitespace outside brackets.
func Expand(list string) ([]string, error) {
	entries, err := split(list)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("nodelist: list cannot be empty")
	}

	var hosts []string
	for _, entry := range entries {
		expanded, err := expandEntry(entry)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, expanded...)
		if len(hosts) > maxHosts {
			return nil, fmt.Errorf("nodelist: %q expands to more than %d hosts", list, maxHosts)
		}
	}
	return hosts, nil
}

// split cuts list at top-level separators.
func split(list string) ([]string, error) {
	var (
		entries []string
		cur     strings.Builder
		depth   int
	)
	flush := func() {
		if cur.Len() > 0 {
			entries = append(entries, cur.String())
			cur.Reset()
		}
	}
	for _, r := range list {
		switch {
		case r == '[':
			if depth > 0 {
				return nil, fmt.Errorf("nodelist: nested brackets in %q", list)
			}
			depth++
			cur.WriteRune(r)
		case r == ']':
			if depth == 0 {
				return nil, fmt.Errorf("nodelist: unbalanced ']' in %q", list)
			}
			depth--
			cur.WriteRune(r)
		case depth == 0 && (r == ',' || r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("nodelist: unbalanced '[' in %q", list)
	}
	flush()
	return entries, nil
}

// expandEntry expands one entry, which may hold several bracket groups.
func expandEntry(entry string) ([]string, error) {
	open := strings.IndexByte(entry, '[')
	if open < 0 {
		if !hostRegex.MatchString(entry) {
			return nil, fmt.Errorf("nodelist: invalid host name %q", entry)
		}
		return []string{entry}, nil
	}
	prefix := entry[:open]
	if !hostRegex.MatchString(prefix) {
		return nil, fmt.Errorf("nodelist: invalid host name prefix %q", prefix)
	}
	closing := strings.IndexByte(entry[open:], ']') + open
	values, err := expandRanges(entry[open+1 : closing])
	if err != nil {
		return nil, fmt.Errorf("nodelist: in %q: %w", entry, err)
	}
	rests, err := expandEntry(entry[closing+1:])
	if err != nil {
		return nil, err
	}

	if len(values) > maxHosts/len(rests) {
		return nil, fmt.Errorf("nodelist: %q expands to more than %d hosts", entry, maxHosts)
	}
	out := make([]string, 0, len(values)*len(rests))
	for _, v := range values {
		for _, rest := range rests {
			out = append(out, prefix+v+rest)
		}
	}
	return out, nil
}

// expandRanges expands the body of one bracket group, keeping zero padding.
func expandRanges(body string) ([]string, error) {
	if body == "" {
		return nil, fmt.Errorf("empty brackets")
	}
	var out []string
	for _, part := range strings.Split(body, ",") {
		matches := rangeRegex.FindStringSubmatch(part)
		if matches == nil {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		lo, hi := matches[1], matches[2]
		if hi == "" {
			out = append(out, lo)
			continue
		}
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q: %w", lo, err)
		}
		end, err := strconv.Atoi(hi)
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q: %w", hi, err)
		}
		if end < start {
			return nil, fmt.Errorf("reversed range %q", part)
		}
		if end-start >= maxHosts-len(out) {
			return nil, fmt.Errorf("range %q is too large", part)
		}
		width := len(lo)
		for n := start; n <= end; n++ {
			out = append(out, fmt.Sprintf("%0*d", width, n))
		}
	}
	return out, nil
}
