// Package hosts reads and edits hosts(5) files while keeping every line it
// did not touch byte-for-byte intact.
package hosts

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"

	"github.com/moltbunker/locker/internal/logging"
)

var (
	// ErrDuplicateIP is returned by Add when an active entry for the IP exists.
	ErrDuplicateIP = errors.New("duplicate IP")
	// ErrIPNotFound is returned when no active entry for the IP exists.
	ErrIPNotFound = errors.New("IP not found")
	// ErrInvalidLine is returned for lines that are neither entries nor comments.
	ErrInvalidLine = errors.New("invalid line")
	// ErrInvalidName is returned for host names violating hosts(5).
	ErrInvalidName = errors.New("invalid host name")
)

const (
	namePattern    = `[a-zA-Z\d](?:[a-zA-Z\d\-.]*[a-zA-Z\d])?`
	laxNamePattern = `[a-zA-Z\d](?:[a-zA-Z\d\-._]*[a-zA-Z\d])?`
)

var (
	nameRe     = regexp.MustCompile(`^` + namePattern + `$`)
	laxNameRe  = regexp.MustCompile(`^` + laxNamePattern + `$`)
	entryRe    = entryRegexp(namePattern)
	laxEntryRe = entryRegexp(laxNamePattern)
)

func entryRegexp(name string) *regexp.Regexp {
	names := `(?:` + name + `)(?:\s+` + name + `)*`
	return regexp.MustCompile(`^(#+\s*)?([\da-fA-F:.]+)\s+(` + names + `)(?:\s+#+\s*(.*?))?\s*$`)
}

type rowKind int

const (
	kindEntry rowKind = iota
	kindComment
	kindBlank
)

// Row is one line of a hosts file.
type Row struct {
	Line     int // 1-based position in the parsed file, 0 for added rows
	IP       netip.Addr
	Names    []string
	Comment  string
	Disabled bool

	kind  rowKind
	raw   string
	dirty bool
}

// IsEntry reports whether the row maps an address to names.
func (r *Row) IsEntry() bool {
	return r.kind == kindEntry
}

func (r *Row) active() bool {
	return r.kind == kindEntry && !r.Disabled
}

func (r *Row) render() string {
	if !r.dirty {
		return r.raw
	}
	line := r.IP.String() + "\t" + strings.Join(r.Names, " ")
	if r.Comment != "" {
		line += "\t# " + r.Comment
	}
	if r.Disabled {
		line = "# " + line
	}
	return line
}

// File is an editable hosts file.
type File struct {
	path    string
	lax     bool
	rows    []*Row
	newline bool // content ends with a newline
}

// New returns an empty hosts file bound to path.
func New(path string, lax bool) *File {
	return &File{path: path, lax: lax, newline: true}
}

// Load reads and parses the hosts file at path. With lax set, names may
// contain underscores.
func Load(path string, lax bool) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hosts file: %w", err)
	}
	f, err := Parse(string(data), lax)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.path = path
	return f, nil
}

// Parse parses hosts file content.
func Parse(content string, lax bool) (*File, error) {
	f := &File{lax: lax, newline: true}
	if content == "" {
		return f, nil
	}
	f.newline = strings.HasSuffix(content, "\n")
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	re := entryRe
	if lax {
		re = laxEntryRe
	}
	for i, raw := range lines {
		row, err := parseRow(re, i+1, raw)
		if err != nil {
			return nil, err
		}
		f.rows = append(f.rows, row)
	}
	return f, nil
}

func parseRow(re *regexp.Regexp, num int, raw string) (*Row, error) {
	row := &Row{Line: num, raw: raw}
	line := strings.TrimSpace(raw)

	if m := re.FindStringSubmatch(line); m != nil {
		ip, err := netip.ParseAddr(m[2])
		if err == nil {
			row.kind = kindEntry
			row.Disabled = m[1] != ""
			row.IP = ip
			row.Names = strings.Fields(m[3])
			row.Comment = m[4]
			return row, nil
		}
		if m[1] == "" {
			return nil, fmt.Errorf("%w %d: bad address %q", ErrInvalidLine, num, m[2])
		}
	}

	switch {
	case strings.HasPrefix(line, "#"):
		row.kind = kindComment
	case line == "":
		row.kind = kindBlank
	default:
		return nil, fmt.Errorf("%w %d: %q", ErrInvalidLine, num, raw)
	}
	return row, nil
}

func (f *File) validateNames(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: no names given", ErrInvalidName)
	}
	re := nameRe
	if f.lax {
		re = laxNameRe
	}
	for _, name := range names {
		if !re.MatchString(name) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func (f *File) find(ip netip.Addr) *Row {
	ip = ip.Unmap()
	for _, row := range f.rows {
		if row.active() && row.IP == ip {
			return row
		}
	}
	return nil
}

// Lookup returns a copy of the active entry for ip.
func (f *File) Lookup(ip netip.Addr) (Row, bool) {
	row := f.find(ip)
	if row == nil {
		return Row{}, false
	}
	out := *row
	out.Names = append([]string(nil), row.Names...)
	return out, true
}

// Add appends a new entry. It fails with ErrDuplicateIP when ip already has
// an active entry.
func (f *File) Add(ip netip.Addr, names []string, comment string) error {
	if err := f.validateNames(names); err != nil {
		return err
	}
	if f.find(ip) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateIP, ip)
	}
	f.rows = append(f.rows, &Row{
		IP:      ip.Unmap(),
		Names:   append([]string(nil), names...),
		Comment: comment,
		kind:    kindEntry,
		dirty:   true,
	})
	f.newline = true
	logging.Debug("added hosts entry", "ip", ip.String(), "names", names)
	return nil
}

// Set replaces the names and comment of the entry for ip, appending a new
// entry when there is none.
func (f *File) Set(ip netip.Addr, names []string, comment string) error {
	if err := f.validateNames(names); err != nil {
		return err
	}
	row := f.find(ip)
	if row == nil {
		return f.Add(ip, names, comment)
	}
	row.Names = append([]string(nil), names...)
	row.Comment = comment
	row.dirty = true
	return nil
}

// RemoveIP drops every active entry for ip.
func (f *File) RemoveIP(ip netip.Addr) error {
	if f.find(ip) == nil {
		return fmt.Errorf("%w: %s", ErrIPNotFound, ip)
	}
	ip = ip.Unmap()
	kept := f.rows[:0]
	for _, row := range f.rows {
		if row.active() && row.IP == ip {
			continue
		}
		kept = append(kept, row)
	}
	f.rows = kept
	return nil
}

// RemoveByCommentPattern drops every entry whose comment matches re and
// returns how many were removed. Anchor re to avoid infix matches.
func (f *File) RemoveByCommentPattern(re *regexp.Regexp) int {
	kept := f.rows[:0]
	removed := 0
	for _, row := range f.rows {
		if row.kind == kindEntry && row.Comment != "" && re.MatchString(row.Comment) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	f.rows = kept
	return removed
}

// Entries returns copies of all entry rows, disabled ones included.
func (f *File) Entries() []Row {
	var out []Row
	for _, row := range f.rows {
		if row.kind == kindEntry {
			r := *row
			r.Names = append([]string(nil), row.Names...)
			out = append(out, r)
		}
	}
	return out
}

// Render returns the file content. Untouched lines are reproduced exactly.
func (f *File) Render() string {
	if len(f.rows) == 0 {
		return ""
	}
	lines := make([]string, len(f.rows))
	for i, row := range f.rows {
		lines[i] = row.render()
	}
	out := strings.Join(lines, "\n")
	if f.newline {
		out += "\n"
	}
	return out
}

// Save writes the file to path, or to the path it was loaded from when
// path is empty.
func (f *File) Save(path string) error {
	if path == "" {
		path = f.path
	}
	if path == "" {
		return errors.New("no path to save hosts file to")
	}
	if err := os.WriteFile(path, []byte(f.Render()), 0644); err != nil {
		return fmt.Errorf("failed to write hosts file: %w", err)
	}
	return nil
}
