package hosts

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

const sample = `127.0.0.1	localhost
127.0.1.1   box.example.net   box
# The following lines are desirable for IPv6 capable hosts
::1     localhost ip6-localhost ip6-loopback

#10.0.0.9 old.example.net
10.1.0.2	db.example.net db	# demo_db
10.1.0.3	web # demo_web
192.168.1.10 printer ## office
`

func TestParseRoundTrip(t *testing.T) {
	inputs := map[string]string{
		"sample":          sample,
		"empty":           "",
		"no final eol":    "127.0.0.1 localhost",
		"only comments":   "# a\n#b\n\n",
		"crlf":            "127.0.0.1 localhost\r\n# x\r\n",
		"disabled ipv6":   "# fe80::1%eth0 nope\n",
		"trailing blanks": "127.0.0.1 localhost\n\n\n",
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			f, err := Parse(in, false)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			out := f.Render()
			if out != in {
				t.Fatalf("Render() = %q, want %q", out, in)
			}
			again, err := Parse(out, false)
			if err != nil {
				t.Fatalf("Parse(Render()) error = %v", err)
			}
			if again.Render() != out {
				t.Error("second round trip differs")
			}
		})
	}
}

func TestParseClassifiesLines(t *testing.T) {
	f, err := Parse(sample, false)
	if err != nil {
		t.Fatal(err)
	}
	entries := f.Entries()
	if len(entries) != 7 {
		t.Fatalf("got %d entries, want 7", len(entries))
	}

	disabled := entries[3]
	if !disabled.Disabled || disabled.IP.String() != "10.0.0.9" || disabled.Line != 6 {
		t.Errorf("disabled entry = %+v", disabled)
	}

	db, ok := f.Lookup(netip.MustParseAddr("10.1.0.2"))
	if !ok {
		t.Fatal("Lookup(10.1.0.2) not found")
	}
	if strings.Join(db.Names, ",") != "db.example.net,db" || db.Comment != "demo_db" {
		t.Errorf("db entry = %+v", db)
	}
	printer, _ := f.Lookup(netip.MustParseAddr("192.168.1.10"))
	if printer.Comment != "office" {
		t.Errorf("printer comment = %q", printer.Comment)
	}
	if _, ok := f.Lookup(netip.MustParseAddr("10.0.0.9")); ok {
		t.Error("disabled entry returned by Lookup")
	}
}

func TestParseInvalidLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		line string
	}{
		{name: "garbage", in: "127.0.0.1 localhost\nthis is not valid\n", line: "2"},
		{name: "bad address", in: "999.1.1.1 host\n", line: "1"},
		{name: "ip only", in: "10.0.0.1\n", line: "1"},
		{name: "underscore strict", in: "10.0.0.1 demo_web\n", line: "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in, false)
			if !errors.Is(err, ErrInvalidLine) {
				t.Fatalf("Parse() error = %v, want ErrInvalidLine", err)
			}
			if !strings.Contains(err.Error(), tt.line) {
				t.Errorf("error %q does not name line %s", err, tt.line)
			}
		})
	}
}

func TestParseLaxAllowsUnderscore(t *testing.T) {
	f, err := Parse("10.0.0.1 demo_web\n", true)
	if err != nil {
		t.Fatalf("Parse(lax) error = %v", err)
	}
	if _, ok := f.Lookup(netip.MustParseAddr("10.0.0.1")); !ok {
		t.Error("entry not found")
	}
}

func TestAddAndSet(t *testing.T) {
	f, err := Parse(sample, false)
	if err != nil {
		t.Fatal(err)
	}

	err = f.Add(netip.MustParseAddr("10.1.0.2"), []string{"other"}, "")
	if !errors.Is(err, ErrDuplicateIP) {
		t.Errorf("Add(existing) error = %v, want ErrDuplicateIP", err)
	}
	if err := f.Add(netip.MustParseAddr("10.1.0.4"), []string{"bad name"}, ""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Add(bad name) error = %v, want ErrInvalidName", err)
	}

	if err := f.Add(netip.MustParseAddr("10.1.0.4"), []string{"cache.example.net", "cache"}, "demo_cache"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := f.Set(netip.MustParseAddr("127.0.1.1"), []string{"web.example.net", "web"}, ""); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := f.Set(netip.MustParseAddr("10.1.0.5"), []string{"queue"}, ""); err != nil {
		t.Fatalf("Set(new) error = %v", err)
	}

	want := strings.Replace(sample, "127.0.1.1   box.example.net   box", "127.0.1.1\tweb.example.net web", 1) +
		"10.1.0.4\tcache.example.net cache\t# demo_cache\n" +
		"10.1.0.5\tqueue\n"
	if got := f.Render(); got != want {
		t.Errorf("Render() =\n%s\nwant\n%s", got, want)
	}
}

func TestAddToFileWithoutFinalNewline(t *testing.T) {
	f, err := Parse("127.0.0.1 localhost", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Add(netip.MustParseAddr("10.0.0.1"), []string{"a"}, ""); err != nil {
		t.Fatal(err)
	}
	if got, want := f.Render(), "127.0.0.1 localhost\n10.0.0.1\ta\n"; got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRemove(t *testing.T) {
	f, err := Parse(sample, false)
	if err != nil {
		t.Fatal(err)
	}

	if n := f.RemoveByCommentPattern(regexp.MustCompile(`^demo_.*$`)); n != 2 {
		t.Errorf("RemoveByCommentPattern() = %d, want 2", n)
	}
	if _, ok := f.Lookup(netip.MustParseAddr("10.1.0.3")); ok {
		t.Error("demo_web entry survived")
	}
	if err := f.RemoveIP(netip.MustParseAddr("10.1.0.3")); !errors.Is(err, ErrIPNotFound) {
		t.Errorf("RemoveIP(missing) error = %v, want ErrIPNotFound", err)
	}
	if err := f.RemoveIP(netip.MustParseAddr("192.168.1.10")); err != nil {
		t.Errorf("RemoveIP() error = %v", err)
	}

	// Unmanaged rows are untouched.
	out := f.Render()
	for _, line := range []string{"127.0.0.1\tlocalhost", "127.0.1.1   box.example.net   box", "#10.0.0.9 old.example.net", "# The following lines"} {
		if !strings.Contains(out, line) {
			t.Errorf("Render() lost %q", line)
		}
	}
	if strings.Contains(out, "printer") || strings.Contains(out, "demo_") {
		t.Errorf("removed rows still rendered:\n%s", out)
	}
}

func TestLoadSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := f.Save(""); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != sample {
		t.Errorf("saved content differs:\n%s", data)
	}

	if _, err := Load(filepath.Join(dir, "missing"), false); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v, want ErrNotExist", err)
	}
	if err := New("", false).Save(""); err == nil {
		t.Error("Save() without a path succeeded")
	}
}
