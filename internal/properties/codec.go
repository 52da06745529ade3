package properties

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileName is the native configuration file inside a world directory.
const FileName = "server.properties"

// Read parses the flat key=value format. Lines starting with '#' or '!' are
// comments, a key may also be separated by ':', backslash escapes
// (\n, \t, \\, \=, \:, \uXXXX) are decoded and a line ending in an odd
// number of backslashes continues on the next line.
func Read(r io.Reader) (*Properties, error) {
	p := New()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		logical strings.Builder
		cont    bool
		lineNo  int
		start   int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimLeft(scanner.Text(), " \t\f")
		if !cont {
			if line == "" || line[0] == '#' || line[0] == '!' {
				continue
			}
			logical.Reset()
			start = lineNo
		}
		if cont = continues(line); cont {
			logical.WriteString(line[:len(line)-1])
			continue
		}
		logical.WriteString(line)
		if err := readEntry(p, logical.String()); err != nil {
			return nil, fmt.Errorf("line %d: %w", start, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cont {
		if err := readEntry(p, logical.String()); err != nil {
			return nil, fmt.Errorf("line %d: %w", start, err)
		}
	}
	return p, nil
}

func continues(line string) bool {
	n := 0
	for i := len(line) - 1; i >= 0 && line[i] == '\\'; i-- {
		n++
	}
	return n%2 == 1
}

func readEntry(p *Properties, line string) error {
	key, value := splitEntry(line)
	k, err := unescape(key)
	if err != nil {
		return err
	}
	v, err := unescape(value)
	if err != nil {
		return err
	}
	if k != "" {
		p.SetString(k, v)
	}
	return nil
}

// splitEntry splits at the first unescaped '=' or ':'.
func splitEntry(line string) (string, string) {
	escaped := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '=', ':':
			return strings.TrimRight(line[:i], " \t"), strings.TrimLeft(line[i+1:], " \t")
		}
	}
	return strings.TrimSpace(line), ""
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'u':
			if i+5 > len(s) {
				return "", fmt.Errorf("truncated unicode escape in %q", s)
			}
			n, err := strconv.ParseUint(s[i+1:i+5], 16, 32)
			if err != nil {
				return "", fmt.Errorf("bad unicode escape in %q: %w", s, err)
			}
			b.WriteRune(rune(n))
			i += 4
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}

func escape(s string, isKey bool) string {
	var b strings.Builder
	for i, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '=', ':', '#', '!':
			if isKey {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		case ' ':
			// Ведущий пробел значения экранируется.
			if isKey || i == 0 {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Write serializes p in key order, one entry per line.
func Write(w io.Writer, p *Properties) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("#Minecraft server properties\n"); err != nil {
		return err
	}
	for _, k := range p.Keys() {
		v, _ := p.Get(k)
		if _, err := fmt.Fprintf(bw, "%s=%s\n", escape(k, true), escape(v.String(), false)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadFile reads the native file. A missing file yields an empty mapping and
// an error satisfying os.IsNotExist.
func ReadFile(path string) (*Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return New(), err
	}
	defer f.Close()
	return Read(f)
}

// WriteFile writes p atomically next to path and renames it into place.
func WriteFile(path string, p *Properties) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".properties-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := Write(tmp, p); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
