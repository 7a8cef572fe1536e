package transcript

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/trace"
)

// Alignment acceptance thresholds.
const (
	DefaultStitchWindow = 50
	minAlignWords       = 2
	minAlignRatio       = 0.6
)

// Piece is one segment result, delivered to the stitcher in index order.
type Piece struct {
	Index       int
	Text        string
	Unavailable bool
	// OverlapRatio is the share of the segment's audio that repeats the
	// previous segment (V/D for full segments, 0 for the first).
	OverlapRatio float64
}

// Step reports what one Append contributed.
type Step struct {
	Added     string
	Dropped   int
	Ambiguous bool
}

// Stitcher merges in-order segment transcripts into one running transcript,
// removing wording repeated across the audio overlap. Not safe for
// concurrent use: the recording pipeline owns a single writer.
type Stitcher struct {
	window    int
	words     []string
	prevSpoke bool
	pieces    int
}

// NewStitcher creates a stitcher comparing at most window words on each
// side of a segment boundary.
func NewStitcher(window int) *Stitcher {
	if window < minAlignWords {
		window = DefaultStitchWindow
	}
	return &Stitcher{window: window}
}

// Placeholder is the transcript text recorded for a segment whose
// transcription was abandoned.
func Placeholder(index int) string {
	return fmt.Sprintf("[segment %d unavailable]", index)
}

// Append merges p into the running transcript. The transcript only grows.
func (s *Stitcher) Append(ctx context.Context, p Piece) Step {
	s.pieces++

	if p.Unavailable {
		ph := Placeholder(p.Index)
		s.words = append(s.words, strings.Fields(ph)...)
		s.prevSpoke = false
		return Step{Added: ph}
	}

	head := strings.Fields(p.Text)
	var step Step
	if p.OverlapRatio > 0 && s.prevSpoke && len(s.words) > 0 && len(head) > 0 {
		cut, ok := align(s.words, head, s.window)
		if !ok {
			cut = min(len(head), int(math.Round(float64(len(head))*p.OverlapRatio)))
			step.Ambiguous = true
			trace.Logger(ctx).Warn("overlap alignment not found, trimming by ratio",
				"code", apperrors.StitchAmbiguous, "segment", p.Index,
				"ratio", p.OverlapRatio, "trimmed", cut)
		}
		step.Dropped = cut
		head = head[cut:]
	}

	s.words = append(s.words, head...)
	s.prevSpoke = len(strings.Fields(p.Text)) > 0
	step.Added = strings.Join(head, " ")
	return step
}

// Text returns the running transcript.
func (s *Stitcher) Text() string { return strings.Join(s.words, " ") }

// WordCount returns the running transcript length in words.
func (s *Stitcher) WordCount() int { return len(s.words) }

// Pieces returns how many segments have been merged.
func (s *Stitcher) Pieces() int { return s.pieces }

// align finds how many leading words of head repeat the end of tail. For
// each candidate length p, largest first, it takes the longest common
// subsequence of the normalized last p words of tail and first p words of
// head. The first p whose match covers at least minAlignRatio of the window
// wins, and head is cut after its last matched word.
func align(tail, head []string, window int) (int, bool) {
	k := min(window, len(tail), len(head))
	if k < minAlignWords {
		return 0, false
	}
	t := normalize(tail[len(tail)-k:])
	h := normalize(head[:k])

	for p := k; p >= minAlignWords; p-- {
		n, lastHead := lcs(t[k-p:], h[:p])
		if n >= minAlignWords && float64(n) >= minAlignRatio*float64(p) {
			return lastHead + 1, true
		}
	}
	return 0, false
}

// lcs returns the LCS length of a and b and the index in b of the last
// matched element (-1 when nothing matches).
func lcs(a, b []string) (int, int) {
	dp := make([][]int, len(a)+1)
	for i := range dp {
		dp[i] = make([]int, len(b)+1)
	}
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}

	i, j := len(a), len(b)
	for i > 0 && j > 0 {
		switch {
		case a[i-1] == b[j-1] && dp[i][j] == dp[i-1][j-1]+1:
			return dp[len(a)][len(b)], j - 1
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	return dp[len(a)][len(b)], -1
}

func normalize(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		}))
	}
	return out
}
