package transcript

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
)

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"PT0S", 0},
		{"PT45S", 45 * time.Second},
		{"PT1H23M45S", time.Hour + 23*time.Minute + 45*time.Second},
		{"PT2M", 2 * time.Minute},
		{"PT1.5H", 90 * time.Minute},
		{"PT10.5S", 10500 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if err != nil {
			t.Errorf("ParseDuration(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDurationMalformed(t *testing.T) {
	for _, in := range []string{"", "PT", "P1D", "1H2M", "PT1S2M", "PTxS", "45"} {
		_, err := ParseDuration(in)
		if !apperrors.IsCode(err, apperrors.MalformedDuration) {
			t.Errorf("ParseDuration(%q) error = %v, want MalformedDuration", in, err)
		}
	}
}

func TestFormatDurationRoundTrip(t *testing.T) {
	tests := []struct {
		secs int
		want string
	}{
		{0, "PT0S"},
		{59, "PT59S"},
		{60, "PT1M"},
		{3600, "PT1H"},
		{3725, "PT1H2M5S"},
	}
	for _, tt := range tests {
		got := FormatDuration(time.Duration(tt.secs) * time.Second)
		if got != tt.want {
			t.Errorf("FormatDuration(%ds) = %q, want %q", tt.secs, got, tt.want)
		}
		back, err := ParseDuration(got)
		if err != nil || int(back.Seconds()) != tt.secs {
			t.Errorf("ParseDuration(%q) = %v, %v; want %ds", got, back, err, tt.secs)
		}
	}

	if got := FormatDuration(1500 * time.Millisecond); got != "PT2S" {
		t.Errorf("FormatDuration(1.5s) = %q, want %q", got, "PT2S")
	}
}

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		words, size, overlap, want int
	}{
		{0, 500, 50, 0},
		{1, 500, 50, 1},
		{30, 500, 50, 1},
		{500, 500, 50, 1},
		{501, 500, 50, 2},
		{1200, 500, 50, 3},
		{10, 4, 0, 3},
	}
	for _, tt := range tests {
		got, err := TotalChunks(tt.words, tt.size, tt.overlap)
		if err != nil {
			t.Fatalf("TotalChunks error: %v", err)
		}
		if got != tt.want {
			t.Errorf("TotalChunks(%d, %d, %d) = %d, want %d", tt.words, tt.size, tt.overlap, got, tt.want)
		}
	}
}

func TestChunkWindowsCoverText(t *testing.T) {
	text := words(1200)
	total, _ := TotalChunks(1200, 500, 50)

	prevEnd := 0
	for i := 0; i < total; i++ {
		c, err := ChunkAt(text, i, 500, 50)
		if err != nil {
			t.Fatalf("ChunkAt(%d) error: %v", i, err)
		}
		if c.StartWord > prevEnd {
			t.Errorf("gap before chunk %d: start %d > previous end %d", i, c.StartWord, prevEnd)
		}
		if i > 0 && prevEnd-c.StartWord != 50 {
			t.Errorf("chunk %d overlap = %d, want 50", i, prevEnd-c.StartWord)
		}
		prevEnd = c.EndWord
	}
	if prevEnd != 1200 {
		t.Errorf("last chunk ends at %d, want 1200", prevEnd)
	}
}

func TestChunkNegativeIndex(t *testing.T) {
	text := words(1200)

	last, err := ChunkAt(text, -1, 500, 50)
	if err != nil {
		t.Fatalf("ChunkAt(-1) error: %v", err)
	}
	two, _ := ChunkAt(text, 2, 500, 50)
	if last != two {
		t.Errorf("ChunkAt(-1) = %+v, want %+v", last, two)
	}
	if last.StartWord != 900 || last.EndWord != 1200 || last.WordCount != 300 {
		t.Errorf("last chunk window = [%d,%d) n=%d, want [900,1200) n=300", last.StartWord, last.EndWord, last.WordCount)
	}
	if !last.HasOverlapBefore || last.HasOverlapAfter {
		t.Errorf("last chunk overlap flags = %v/%v, want true/false", last.HasOverlapBefore, last.HasOverlapAfter)
	}
	if last.ID != "chunk_2" {
		t.Errorf("ID = %q, want %q", last.ID, "chunk_2")
	}

	first, _ := ChunkAt(text, -3, 500, 50)
	if first.Index != 0 || first.HasOverlapBefore || !first.HasOverlapAfter {
		t.Errorf("ChunkAt(-3) = %+v, want first chunk", first)
	}
	if !strings.HasPrefix(first.Text, "w0 w1 ") {
		t.Errorf("first chunk text starts %q", first.Text[:10])
	}
}

func TestChunkErrors(t *testing.T) {
	text := words(1200)
	tests := []struct {
		name          string
		text          string
		index         int
		size, overlap int
		code          apperrors.Code
	}{
		{"past end", text, 3, 500, 50, apperrors.IndexOutOfRange},
		{"before start", text, -4, 500, 50, apperrors.IndexOutOfRange},
		{"empty text", "", 0, 500, 50, apperrors.IndexOutOfRange},
		{"zero size", text, 0, 0, 0, apperrors.InvalidArgument},
		{"overlap too big", text, 0, 50, 50, apperrors.InvalidArgument},
		{"negative overlap", text, 0, 50, -1, apperrors.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ChunkAt(tt.text, tt.index, tt.size, tt.overlap)
			if !apperrors.IsCode(err, tt.code) {
				t.Errorf("ChunkAt error = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	text := words(1200)
	s, err := Summarize(text, "PT10M")
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if s.WordCount != 1200 {
		t.Errorf("WordCount = %d, want 1200", s.WordCount)
	}
	if s.TotalChunks != 3 {
		t.Errorf("TotalChunks = %d, want 3", s.TotalChunks)
	}
	if s.DurationMinutes == nil || *s.DurationMinutes != 10 {
		t.Errorf("DurationMinutes = %v, want 10", s.DurationMinutes)
	}
	if s.SpeechRateWPM == nil || *s.SpeechRateWPM != 120 {
		t.Errorf("SpeechRateWPM = %v, want 120", s.SpeechRateWPM)
	}
	if s.ReadingTimeMinutes != 6 {
		t.Errorf("ReadingTimeMinutes = %v, want 6", s.ReadingTimeMinutes)
	}
	if n := len(strings.Fields(s.Preview)); n != 500 {
		t.Errorf("preview words = %d, want 500", n)
	}
	if !strings.HasSuffix(s.Conclusion, "w1199") || len(strings.Fields(s.Conclusion)) != 500 {
		t.Errorf("conclusion should be the last 500 words")
	}
}

func TestSummarizeShortAndNoDuration(t *testing.T) {
	s, err := Summarize("just a few words", "")
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if s.Conclusion != "" {
		t.Errorf("Conclusion = %q, want empty for short text", s.Conclusion)
	}
	if s.DurationMinutes != nil || s.SpeechRateWPM != nil {
		t.Error("duration fields should be omitted without a duration")
	}
	if s.TotalChunks != 1 {
		t.Errorf("TotalChunks = %d, want 1", s.TotalChunks)
	}

	zero, err := Summarize("hello", "PT0S")
	if err != nil {
		t.Fatalf("Summarize PT0S error: %v", err)
	}
	if zero.SpeechRateWPM != nil {
		t.Error("speech rate should be omitted for a zero duration")
	}

	if _, err := Summarize("hello", "ten minutes"); !apperrors.IsCode(err, apperrors.MalformedDuration) {
		t.Errorf("Summarize malformed duration error = %v, want MalformedDuration", err)
	}
}

func TestSpeakers(t *testing.T) {
	text := "Speaker 1: hello there. Speaker B: hi.\nAlice: good morning. Bob: morning.\nSPEAKER_00 said something. the end: done"
	got := Speakers(text)
	want := []string{"Alice", "Bob", "SPEAKER_00", "Speaker 1", "Speaker B"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Speakers = %v, want %v", got, want)
	}
	if got := Speakers("no labels at all"); len(got) != 0 {
		t.Errorf("Speakers = %v, want none", got)
	}
}

func TestStitcherRemovesExactOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewStitcher(DefaultStitchWindow)

	s.Append(ctx, Piece{Index: 0, Text: "one two three four five six"})
	step := s.Append(ctx, Piece{Index: 1, Text: "four five six seven eight", OverlapRatio: 0.5})

	if step.Ambiguous {
		t.Error("exact overlap should align")
	}
	if step.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", step.Dropped)
	}
	if got, want := s.Text(), "one two three four five six seven eight"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestStitcherToleratesDivergentWording(t *testing.T) {
	ctx := context.Background()
	s := NewStitcher(DefaultStitchWindow)

	s.Append(ctx, Piece{Index: 0, Text: "we should ship the release on Friday, after the review."})
	s.Append(ctx, Piece{Index: 1, Text: "Ship a release on Friday after the review. Then we rest.", OverlapRatio: 0.5})

	if got, want := s.Text(), "we should ship the release on Friday, after the review. Then we rest."; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestStitcherFallbackTrim(t *testing.T) {
	ctx := context.Background()
	s := NewStitcher(DefaultStitchWindow)

	s.Append(ctx, Piece{Index: 0, Text: "alpha beta gamma"})
	step := s.Append(ctx, Piece{Index: 1, Text: "delta epsilon zeta eta", OverlapRatio: 0.5})

	if !step.Ambiguous {
		t.Error("unrelated wording should fall back to ratio trim")
	}
	if step.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", step.Dropped)
	}
	if got, want := s.Text(), "alpha beta gamma zeta eta"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestStitcherUnavailableSegments(t *testing.T) {
	ctx := context.Background()
	s := NewStitcher(DefaultStitchWindow)

	s.Append(ctx, Piece{Index: 0, Text: "alpha beta gamma"})
	s.Append(ctx, Piece{Index: 1, Unavailable: true, OverlapRatio: 0.5})
	// The predecessor produced no text, so nothing is trimmed.
	step := s.Append(ctx, Piece{Index: 2, Text: "delta epsilon", OverlapRatio: 0.5})

	if step.Dropped != 0 || step.Ambiguous {
		t.Errorf("step after unavailable = %+v, want no trimming", step)
	}
	if got, want := s.Text(), "alpha beta gamma [segment 1 unavailable] delta epsilon"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
	if s.Pieces() != 3 {
		t.Errorf("Pieces() = %d, want 3", s.Pieces())
	}
}

func TestStitcherWordCountMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewStitcher(8)
	pieces := []Piece{
		{Index: 0, Text: "a b c d e f g h"},
		{Index: 1, Text: "e f g h i j k l", OverlapRatio: 0.5},
		{Index: 2, Text: "", OverlapRatio: 0.5},
		{Index: 3, Text: "x y", OverlapRatio: 0.5},
		{Index: 4, Text: "y", OverlapRatio: 0.5},
		{Index: 5, Unavailable: true, OverlapRatio: 0.5},
	}

	prev := 0
	for _, p := range pieces {
		s.Append(ctx, p)
		if s.WordCount() < prev {
			t.Fatalf("word count decreased at segment %d: %d < %d", p.Index, s.WordCount(), prev)
		}
		prev = s.WordCount()
	}
	if strings.Count(s.Text(), "e f g h") != 1 {
		t.Errorf("overlap duplicated in %q", s.Text())
	}
}
