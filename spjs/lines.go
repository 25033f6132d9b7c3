package spjs

import "strings"

// lineSplitter turns data frames back into lines.
type lineSplitter struct {
	partial strings.Builder
}

// push adds a chunk and returns the lines it completed, without their
// line endings. Empty lines are dropped.
func (s *lineSplitter) push(chunk string) []string {
	var lines []string
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			s.partial.WriteString(chunk)
			return lines
		}
		s.partial.WriteString(chunk[:i])
		chunk = chunk[i+1:]

		line := strings.TrimRight(s.partial.String(), "\r")
		s.partial.Reset()
		if line != "" {
			lines = append(lines, line)
		}
	}
}
