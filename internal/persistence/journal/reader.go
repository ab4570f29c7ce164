package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ReadFile decodes one journal file. A file still being appended to may
// end without a closing frame; entries decoded before that point are
// returned without error.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Entry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return out, err
	}
	return out, nil
}

// ReadDir decodes every journal file in dir in time order and keeps
// entries at or after since.
func ReadDir(dir string, since time.Time) ([]Entry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl.zst") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Entry
	for _, name := range names {
		batch, err := ReadFile(filepath.Join(dir, name))
		if err != nil {
			return out, err
		}
		for _, e := range batch {
			if !since.IsZero() && e.At.Before(since) {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func ReadAll(dir string) ([]Entry, error) {
	return ReadDir(dir, time.Time{})
}
