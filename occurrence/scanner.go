package occurrence

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultThreshold is the lowest score recorded as an occurrence.
const DefaultThreshold = 40

// ErrEmptyTranscript is returned when a transcript has no pages.
var ErrEmptyTranscript = errors.New("transcript has no pages")

// VtuberSong links a song to the profile of a vtuber who sings it.
type VtuberSong struct {
	ID        int64
	ProfileID int64
}

// Song ...
type Song struct {
	ID             int64
	Title          string
	LyricsFragment string
	VtuberSongs    []VtuberSong
}

// Recording is a live recording archive with a transcript.
type Recording struct {
	ID              int64
	Bvid            string
	VtuberProfileID int64
}

// Occurrence records that a song was sung in a recording.
type Occurrence struct {
	SongID       int64
	VtuberSongID int64
	ArchiveID    int64
	Start        float64
	Page         int
	Score        int
	Text         string
}

// Key identifies an occurrence regardless of where it was found.
type Key struct {
	VtuberSongID int64
	ArchiveID    int64
}

// Scanner matches songs against recordings.
type Scanner struct {
	// Threshold is the minimum score of a recorded occurrence.
	Threshold int
	// Known occurrences are not searched again.
	Known map[Key]bool

	logger log.Logger
}

// NewScanner ...
func NewScanner(threshold int, logger log.Logger) *Scanner {
	return &Scanner{
		Threshold: threshold,
		Known:     map[Key]bool{},
		logger:    logger,
	}
}

// Scan searches every song's lyrics fragment in the transcript of recording. A match scoring at least the
// threshold yields one occurrence per vtuber song whose profile is the recording's.
func (s *Scanner) Scan(recording Recording, t Transcript, songs []Song) ([]Occurrence, error) {
	if len(t) == 0 {
		return nil, fmt.Errorf("%s: %w", recording.Bvid, ErrEmptyTranscript)
	}

	var occurrences []Occurrence
	for _, song := range songs {
		candidates := s.candidates(recording, song)
		if len(candidates) == 0 {
			continue
		}

		result, err := Search(t, song.LyricsFragment)
		if err != nil {
			return nil, fmt.Errorf("search %s in %s: %w", song.Title, recording.Bvid, err)
		}
		if result == nil {
			continue
		}
		// The threshold applies to the unrounded similarity
		if similarity := Similarity(song.LyricsFragment, result.Text); similarity < float64(s.Threshold) {
			s.logger.Debugf("Similarity of %s in %s is %.2f, below threshold %d, skipping", song.Title, recording.Bvid, similarity, s.Threshold)
			continue
		}

		s.logger.Infof("Found %s in %s at page %d at %.2fs with score %d", song.Title, recording.Bvid, result.Page, result.Start, result.Score)
		for _, vtuberSong := range candidates {
			occurrences = append(occurrences, Occurrence{
				SongID:       song.ID,
				VtuberSongID: vtuberSong.ID,
				ArchiveID:    recording.ID,
				Start:        result.Start,
				Page:         result.Page,
				Score:        result.Score,
				Text:         result.Text,
			})
			s.Known[Key{VtuberSongID: vtuberSong.ID, ArchiveID: recording.ID}] = true
		}
	}

	return occurrences, nil
}

func (s *Scanner) candidates(recording Recording, song Song) []VtuberSong {
	var candidates []VtuberSong
	for _, vtuberSong := range song.VtuberSongs {
		if vtuberSong.ProfileID != recording.VtuberProfileID {
			continue
		}
		if s.Known[Key{VtuberSongID: vtuberSong.ID, ArchiveID: recording.ID}] {
			s.logger.Debugf("Occurrence of %s in %s already recorded, skipping", song.Title, recording.Bvid)
			continue
		}
		candidates = append(candidates, vtuberSong)
	}
	return candidates
}

// ScanDirectory scans every recording whose transcript is stored under root. Recordings without a transcript
// are skipped; a recording whose transcript cannot be read or searched is logged and skipped.
func (s *Scanner) ScanDirectory(root string, recordings []Recording, songs []Song) []Occurrence {
	var occurrences []Occurrence
	for _, recording := range recordings {
		path, err := FindTranscript(root, recording.Bvid)
		if err != nil {
			s.logger.Errorf("Failed to look up transcript of %s: %s", recording.Bvid, err)
			continue
		}
		if path == "" {
			s.logger.Debugf("No transcript for %s, skipping", recording.Bvid)
			continue
		}

		transcript, err := LoadTranscript(path)
		if err != nil {
			s.logger.Errorf("Failed to load transcript of %s: %s", recording.Bvid, err)
			continue
		}

		found, err := s.Scan(recording, transcript, songs)
		if err != nil {
			s.logger.Errorf("Failed to scan %s: %s", recording.Bvid, err)
			continue
		}
		occurrences = append(occurrences, found...)
	}

	return occurrences
}
