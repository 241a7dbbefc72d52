package gtfs2db

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"io"
	"io/fs"
	"os"
	"strings"
	"unicode/utf8"
)

var ErrUnreadableEncoding = errors.New("unreadable encoding")

// Encoding is one candidate text encoding for a table file.
type Encoding struct {
	Name string
	enc  encoding.Encoding

	// utf8 candidates are checked on the raw bytes, so a literal U+FFFD in
	// the file is told apart from an invalid byte.
	utf8 bool
}

func (e Encoding) String() string { return e.Name }

func (e Encoding) decoder(r io.Reader) io.Reader {
	return transform.NewReader(r, e.enc.NewDecoder())
}

var (
	// UTF8BOM is UTF-8 that drops a leading byte order mark.
	UTF8BOM  = Encoding{Name: "UTF-8-BOM", enc: unicode.UTF8BOM, utf8: true}
	EUCJP    = Encoding{Name: "EUC-JP", enc: japanese.EUCJP}
	ShiftJIS = Encoding{Name: "Shift_JIS", enc: japanese.ShiftJIS}
	UTF8     = Encoding{Name: "UTF-8", enc: unicode.UTF8, utf8: true}
)

// DefaultEncodings is the fallback chain used when a TableReader has none
// configured. EUC-JP goes before Shift_JIS: most EUC-JP byte pairs are also
// valid Shift_JIS, the reverse is rarely true.
var DefaultEncodings = []Encoding{UTF8BOM, EUCJP, ShiftJIS, UTF8}

// TableReader reads GTFS table files of unknown encoding. The first
// encoding in Encodings that decodes the whole file cleanly is used. A
// TableReader holds no per-file state, so a file may be read any number of
// times.
type TableReader struct {
	Encodings []Encoding
}

func (r *TableReader) encodings() []Encoding {
	if r == nil || len(r.Encodings) == 0 {
		return DefaultEncodings
	}
	return r.Encodings
}

// Detect returns the first candidate encoding that decodes path without
// producing a replacement character. UTF-8 files may contain U+FFFD itself.
func (r *TableReader) Detect(path string) (Encoding, error) {
	var tried []string
	for _, enc := range r.encodings() {
		ok, err := decodesCleanly(path, enc)
		if err != nil {
			return Encoding{}, err
		}
		if ok {
			return enc, nil
		}
		tried = append(tried, enc.Name)
	}
	return Encoding{}, fmt.Errorf("%w: %s (tried %s)", ErrUnreadableEncoding, path, strings.Join(tried, ", "))
}

func decodesCleanly(path string, enc Encoding) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	var input io.Reader = f
	if !enc.utf8 {
		input = enc.decoder(f)
	}
	decoded := bufio.NewReader(input)
	for {
		c, size, err := decoded.ReadRune()
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				return false, err
			}
			// Decoder errors just rule this candidate out
			return false, nil
		}
		// Raw input yields a one byte RuneError for invalid bytes and a
		// three byte one for an encoded U+FFFD. Decoded input only
		// contains U+FFFD as a replacement.
		if c == utf8.RuneError && (size == 1 || !enc.utf8) {
			return false, nil
		}
	}
}

// Record is one data row of a table file, addressed by header name.
type Record struct {
	// Line is the 1-based line number the row starts on.
	Line int
	// Err is set when the row could not be parsed; the row has no fields.
	Err error

	header map[string]int
	fields []string
}

// Get returns the trimmed value for name, or "" when the column is absent
// or the row is short.
func (r Record) Get(name string) string {
	i, ok := r.header[name]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

func (r Record) Has(name string) bool {
	_, ok := r.header[name]
	return ok
}

// Each detects the encoding of path and calls fn for every data row. The
// header row is consumed as field names. Rows with CSV syntax errors are
// passed to fn with Err set and reading continues. Each stops at the first
// error returned by fn.
func (r *TableReader) Each(path string, fn func(rec Record) error) (Encoding, error) {
	enc, err := r.Detect(path)
	if err != nil {
		return Encoding{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return enc, err
	}
	defer func() { _ = f.Close() }()

	input := csv.NewReader(enc.decoder(f))
	input.LazyQuotes = true
	input.FieldsPerRecord = -1
	input.TrimLeadingSpace = true

	header, err := input.Read()
	if errors.Is(err, io.EOF) {
		return enc, nil
	} else if err != nil {
		return enc, fmt.Errorf("read header of %s: %w", path, err)
	}
	index := headerIndex(header)

	for {
		fields, err := input.Read()
		if errors.Is(err, io.EOF) {
			return enc, nil
		}

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			if err := fn(Record{Line: parseErr.StartLine, Err: err, header: index}); err != nil {
				return enc, err
			}
			continue
		} else if err != nil {
			return enc, err
		}

		line, _ := input.FieldPos(0)
		if err := fn(Record{Line: line, header: index, fields: fields}); err != nil {
			return enc, err
		}
	}
}

func headerIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimPrefix(name, "\ufeff")
		name = strings.ToLower(strings.TrimSpace(name))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	return index
}
