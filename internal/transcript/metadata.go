// Package transcript derives views over recording transcripts: the overlap
// stitcher that builds them, and the metadata and chunk windows that let
// callers page through long ones.
package transcript

import (
	"math"
	"regexp"
	"slices"
	"strings"
)

const (
	previewWords       = 500
	readingWordsPerMin = 200
)

var (
	labelPattern = regexp.MustCompile(`(?i)(?:Speaker\s+[A-Z0-9]+|SPEAKER_\d+)`)
	namePattern  = regexp.MustCompile(`(?m)(?:^|\. )([A-Z][a-z]+):`)
)

// Summary is the progressive-disclosure view of a transcript: enough for a
// caller to decide which chunks to fetch.
type Summary struct {
	WordCount          int      `json:"word_count"`
	DurationMinutes    *float64 `json:"duration_minutes,omitempty"`
	SpeechRateWPM      *float64 `json:"speech_rate_wpm,omitempty"`
	Speakers           []string `json:"speakers_detected"`
	SpeakerCount       int      `json:"speaker_count"`
	Preview            string   `json:"preview_words"`
	Conclusion         string   `json:"conclusion_words"`
	TotalChunks        int      `json:"total_chunks"`
	ChunkSize          int      `json:"chunk_size"`
	ChunkOverlap       int      `json:"chunk_overlap"`
	ReadingTimeMinutes float64  `json:"estimated_reading_time_minutes"`
}

// Summarize computes transcript metadata. duration is the ISO-8601 value
// stored with the recording; an empty string omits the duration fields.
func Summarize(text, duration string) (Summary, error) {
	words := strings.Fields(text)
	n := len(words)

	s := Summary{
		WordCount:          n,
		Speakers:           Speakers(text),
		TotalChunks:        totalChunks(n, DefaultChunkSize, DefaultChunkOverlap),
		ChunkSize:          DefaultChunkSize,
		ChunkOverlap:       DefaultChunkOverlap,
		ReadingTimeMinutes: round1(float64(n) / readingWordsPerMin),
	}
	s.SpeakerCount = len(s.Speakers)
	s.Preview = strings.Join(words[:min(previewWords, n)], " ")
	if n > previewWords {
		s.Conclusion = strings.Join(words[n-previewWords:], " ")
	}

	if strings.TrimSpace(duration) == "" {
		return s, nil
	}
	d, err := ParseDuration(duration)
	if err != nil {
		return Summary{}, err
	}
	minutes := d.Minutes()
	dm := round1(minutes)
	s.DurationMinutes = &dm
	if minutes > 0 {
		wpm := round1(float64(n) / minutes)
		s.SpeechRateWPM = &wpm
	}
	return s, nil
}

// Speakers returns the sorted, de-duplicated speaker labels found in text:
// diarization labels ("Speaker 2", "SPEAKER_01") and capitalized
// "Name:" prefixes at line or sentence starts.
func Speakers(text string) []string {
	seen := make(map[string]struct{})
	for _, m := range labelPattern.FindAllString(text, -1) {
		seen[m] = struct{}{}
	}
	for _, m := range namePattern.FindAllStringSubmatch(text, -1) {
		seen[m[1]] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
