package input

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-featex/internal/errdefs"
)

// ListfileOptions controls listfile parsing.
type ListfileOptions struct {
	// BaseDir is joined onto the first field of every line.
	BaseDir string
	// Sort orders the raw lines lexicographically before parsing.
	Sort bool
	// Sequential requires a third (group) field on every line.
	Sequential bool
}

type line struct {
	no   int
	text string
}

// Listfile is a Source over "<path> <label> [<group>]" lines.
type Listfile struct {
	name  string
	opts  ListfileOptions
	lines []line
	pos   int
}

// OpenListfile reads the whole listfile so its length is known upfront.
func OpenListfile(path string, opts ListfileOptions) (*Listfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Configf("open listfile: %v", err)
	}
	defer func() {
		_ = f.Close()
	}()

	l, err := ReadListfile(f, opts)
	if err != nil {
		return nil, err
	}
	l.name = filepath.Base(path)
	return l, nil
}

// ReadListfile builds a Listfile from r. Blank lines are dropped.
func ReadListfile(r io.Reader, opts ListfileOptions) (*Listfile, error) {
	l := &Listfile{name: "listfile", opts: opts}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	no := 0
	for sc.Scan() {
		no++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		l.lines = append(l.lines, line{no: no, text: text})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read listfile: %w", err)
	}

	if opts.Sort {
		sort.SliceStable(l.lines, func(i, j int) bool {
			return l.lines[i].text < l.lines[j].text
		})
	}
	return l, nil
}

func (l *Listfile) Len() int {
	return len(l.lines)
}

func (l *Listfile) Next() (Record, error) {
	if l.pos >= len(l.lines) {
		return Record{}, io.EOF
	}
	ln := l.lines[l.pos]
	l.pos++
	return l.parse(ln)
}

func (l *Listfile) Close() error {
	return nil
}

// parse splits a line into a record. The last field is the group key only
// when a third field is present; a two-field line has no group, so its row
// gets seqindex.NoGroup rather than an index keyed on the label text.
func (l *Listfile) parse(ln line) (Record, error) {
	ref := fmt.Sprintf("%s:%d", l.name, ln.no)
	fields := strings.Fields(ln.text)
	if len(fields) < 2 {
		return Record{}, errdefs.Decodef("%s: want \"<path> <label> [<group>]\", got %q", ref, ln.text)
	}

	label, err := ParseLabel(fields[1])
	if err != nil {
		return Record{}, errdefs.Decodef("%s: %v", ref, err)
	}

	rec := Record{
		Path:  filepath.Join(l.opts.BaseDir, fields[0]),
		Label: label,
		Ref:   ref,
	}
	if len(fields) >= 3 {
		rec.Group = fields[len(fields)-1]
		rec.HasGroup = true
	} else if l.opts.Sequential {
		return Record{}, errdefs.Decodef("%s: sequential listfile line has no group field", ref)
	}
	return rec, nil
}

// ParseLabel accepts integer or floating point labels and truncates toward
// zero, matching a float label stored into an int32 array.
func ParseLabel(s string) (int32, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("label %q is not a number", s)
	}
	if v != v || v > 2147483647 || v < -2147483648 {
		return 0, fmt.Errorf("label %q out of int32 range", s)
	}
	return int32(v), nil
}
