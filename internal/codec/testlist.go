package codec

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// ReadTestList parses a test list: one test name per line, blank lines and
// lines starting with '#' skipped.
func ReadTestList(r io.Reader) ([]string, error) {
	var tests []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tests = append(tests, line)
	}
	return tests, errors.Wrap(sc.Err(), "codec: read test list")
}

// ReadTestListFile reads a test list from disk.
func ReadTestListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "codec: open test list %s", path)
	}
	defer f.Close()
	return ReadTestList(f)
}

// WriteTestList writes one test name per line.
func WriteTestList(w io.Writer, tests []string) error {
	bw := bufio.NewWriter(w)
	for _, t := range tests {
		if _, err := bw.WriteString(t + "\n"); err != nil {
			return errors.Wrap(err, "codec: write test list")
		}
	}
	return bw.Flush()
}

// WriteTestListFile writes a test list to disk.
func WriteTestListFile(path string, tests []string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "codec: create test list %s", path)
	}
	if err := WriteTestList(f, tests); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
