package detections

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sidecar class-name files looked up next to the weights.
const (
	IndexToNameFile = "index_to_name.json"
	NamesFile       = "names.txt"
)

// parseNamesLiteral parses the class table exporters store in model
// metadata, e.g. {0: 'person', 1: 'bicycle'}.
func parseNamesLiteral(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("names: expected a {id: 'name'} mapping, got %q", s)
	}
	s = s[1 : len(s)-1]

	table := map[int]string{}
	for {
		s = strings.TrimLeft(s, " \t\n,")
		if s == "" {
			break
		}

		colon := strings.IndexByte(s, ':')
		if colon < 0 {
			return nil, fmt.Errorf("names: missing ':' near %q", s)
		}
		id, err := strconv.Atoi(strings.TrimSpace(s[:colon]))
		if err != nil {
			return nil, fmt.Errorf("names: bad class id: %w", err)
		}
		s = strings.TrimLeft(s[colon+1:], " \t\n")

		name, rest, err := readQuoted(s)
		if err != nil {
			return nil, err
		}
		table[id] = name
		s = rest
	}
	return namesFromTable(table)
}

// readQuoted reads a single- or double-quoted string from the front of s.
func readQuoted(s string) (string, string, error) {
	if s == "" || (s[0] != '\'' && s[0] != '"') {
		return "", "", fmt.Errorf("names: expected quoted name near %q", s)
	}
	quote := s[0]

	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		case c == quote:
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	return "", "", fmt.Errorf("names: unterminated name near %q", s)
}

func namesFromTable(table map[int]string) ([]string, error) {
	maxID := -1
	for id := range table {
		if id < 0 {
			return nil, fmt.Errorf("names: negative class id %d", id)
		}
		if id > maxID {
			maxID = id
		}
	}
	names := make([]string, maxID+1)
	for id, name := range table {
		names[id] = name
	}
	return names, nil
}

// loadSidecarNames reads index_to_name.json or names.txt from dir. It
// returns nil, nil when neither exists.
func loadSidecarNames(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexToNameFile))
	switch {
	case err == nil:
		var raw map[string]string
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", IndexToNameFile, err)
		}
		table := make(map[int]string, len(raw))
		for k, v := range raw {
			id, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("parse %s: bad class id %q", IndexToNameFile, k)
			}
			table[id] = v
		}
		return namesFromTable(table)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", IndexToNameFile, err)
	}

	f, err := os.Open(filepath.Join(dir, NamesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", NamesFile, err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			names = append(names, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", NamesFile, err)
	}
	return names, nil
}

func genericNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("class%d", i)
	}
	return names
}
