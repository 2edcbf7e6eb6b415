// Package occurrence finds where a song was sung inside the timestamped transcripts of live recordings.
package occurrence

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/firefly-vcut/go-vcut/compression"
)

// DefaultTranscriptPattern matches plain and zstd compressed transcripts anywhere under a root directory.
const DefaultTranscriptPattern = "**/segments.{json,json.zst}"

// Segment is one transcribed utterance. Start is in seconds from the beginning of the page.
type Segment struct {
	Start float64 `json:"start"`
	Text  string  `json:"text"`
}

// Page holds the segments of one media page in time order.
type Page []Segment

// Transcript holds the pages of a recording in page order.
type Transcript []Page

// LoadTranscript reads a transcript file. Files ending in .zst are decompressed first.
func LoadTranscript(path string) (Transcript, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer file.Close() //nolint:errcheck

	var r io.Reader = file
	if compression.IsCompressed(path) {
		zr, err := compression.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer zr.Close() //nolint:errcheck
		r = zr
	}

	var transcript Transcript
	if err := json.NewDecoder(r).Decode(&transcript); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", path, err)
	}

	return transcript, nil
}

// SaveTranscript writes t to path, compressing it when path ends in .zst.
func SaveTranscript(path string, t Transcript) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create transcript directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create transcript: %w", err)
	}

	var w io.WriteCloser = nopWriteCloser{file}
	if compression.IsCompressed(path) {
		if w, err = compression.NewWriter(file); err != nil {
			file.Close() //nolint:errcheck
			return err
		}
	}

	if err := json.NewEncoder(w).Encode(t); err != nil {
		file.Close() //nolint:errcheck
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := w.Close(); err != nil {
		file.Close() //nolint:errcheck
		return fmt.Errorf("flush transcript: %w", err)
	}

	return file.Close()
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// DiscoverTranscripts returns the transcript files under root matching the doublestar pattern, sorted.
// The returned paths include root.
func DiscoverTranscripts(root, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = DefaultTranscriptPattern
	}

	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s in %s: %w", pattern, root, err)
	}
	sort.Strings(matches)

	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, filepath.Join(root, filepath.FromSlash(match)))
	}

	return paths, nil
}

// FindTranscript returns the transcript of the recording bvid stored under root, or an empty path when there
// is none. Recording directories end in _<bvid>.
func FindTranscript(root, bvid string) (string, error) {
	paths, err := DiscoverTranscripts(root, fmt.Sprintf("**/*_%s/segments.{json,json.zst}", bvid))
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", nil
	}

	return paths[0], nil
}
