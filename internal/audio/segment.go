// Package audio captures microphone PCM and cuts it into overlapping,
// fixed-length segments for transcription.
package audio

import (
	"fmt"
	"math"
	"time"
)

// Status tracks a segment through transcription.
type Status int

const (
	Pending Status = iota
	Transcribed
	Unavailable
)

func (s Status) String() string {
	return [...]string{"pending", "transcribed", "unavailable"}[s]
}

// Segment is a slice of the recording. Full segments are exactly
// SegmentDuration long; the final flush may be shorter.
type Segment struct {
	Index       int
	StartSample int64
	EndSample   int64
	Start       time.Duration
	End         time.Duration
	SampleRate  int
	Samples     []int16
	// OverlapSamples is how much of Samples repeats the previous segment.
	OverlapSamples int
	OverlapBefore  bool
	OverlapAfter   bool
	Final          bool

	Text       string
	Confidence float64
	Status     Status
}

// NewSamples returns the audio not already carried by the previous segment.
func (s Segment) NewSamples() []int16 {
	return s.Samples[min(s.OverlapSamples, len(s.Samples)):]
}

// OverlapRatio is the share of the segment repeating its predecessor.
func (s Segment) OverlapRatio() float64 {
	if len(s.Samples) == 0 {
		return 0
	}
	return float64(s.OverlapSamples) / float64(len(s.Samples))
}

// RMS is the root-mean-square level of the segment as a fraction of full
// scale.
func (s Segment) RMS() float64 {
	if len(s.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.Samples {
		f := float64(v) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(s.Samples)))
}

// Segmenter cuts a sample stream into windows. Segment i covers
// [i*(D-V), i*(D-V)+D) samples; timing depends only on sample count.
type Segmenter struct {
	rate    int
	size    int64
	stride  int64
	overlap int64

	buf      []int16
	bufStart int64
	total    int64

	next      int
	nextStart int64
	lastEnd   int64
}

// NewSegmenter validates 0 < overlap < duration at the given sample rate.
func NewSegmenter(sampleRate int, duration, overlap time.Duration) (*Segmenter, error) {
	size := samplesFor(sampleRate, duration)
	ov := samplesFor(sampleRate, overlap)
	if sampleRate <= 0 || size <= 0 {
		return nil, fmt.Errorf("segment duration %s too short at %d Hz", duration, sampleRate)
	}
	if ov <= 0 || ov >= size {
		return nil, fmt.Errorf("overlap %s must be positive and shorter than segment %s", overlap, duration)
	}
	return &Segmenter{rate: sampleRate, size: size, stride: size - ov, overlap: ov}, nil
}

func samplesFor(rate int, d time.Duration) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

// Write consumes captured samples and returns every segment they complete.
func (s *Segmenter) Write(samples []int16) []Segment {
	s.buf = append(s.buf, samples...)
	s.total += int64(len(samples))

	var out []Segment
	for s.nextStart+s.size <= s.total {
		ov := int64(0)
		if s.next > 0 {
			ov = s.lastEnd - s.nextStart
		}
		seg := s.cut(s.nextStart, s.nextStart+s.size, ov)
		seg.OverlapAfter = true
		out = append(out, seg)

		s.lastEnd = s.nextStart + s.size
		s.nextStart += s.stride
	}
	s.compact()
	return out
}

// Flush returns the trailing partial segment, if any audio arrived after
// the last full segment. It ends exactly at the last captured sample and
// starts at most overlap before the end.
func (s *Segmenter) Flush() (Segment, bool) {
	if s.total == 0 || (s.next > 0 && s.total == s.lastEnd) {
		return Segment{}, false
	}

	start := int64(0)
	if s.next > 0 {
		start = min(s.lastEnd, s.total-s.overlap)
	}
	seg := s.cut(start, s.total, max(0, s.lastEnd-start))
	seg.Final = true

	s.lastEnd = s.total
	s.nextStart = s.total
	s.compact()
	return seg, true
}

// Captured returns the total captured duration.
func (s *Segmenter) Captured() time.Duration {
	return s.offset(s.total)
}

func (s *Segmenter) cut(start, end, overlap int64) Segment {
	samples := make([]int16, end-start)
	copy(samples, s.buf[start-s.bufStart:end-s.bufStart])
	seg := Segment{
		Index:          s.next,
		StartSample:    start,
		EndSample:      end,
		Start:          s.offset(start),
		End:            s.offset(end),
		SampleRate:     s.rate,
		Samples:        samples,
		OverlapSamples: int(overlap),
		OverlapBefore:  overlap > 0,
		Status:         Pending,
	}
	s.next++
	return seg
}

// compact drops audio no future segment can reach.
func (s *Segmenter) compact() {
	drop := s.nextStart - s.bufStart
	if drop <= 0 {
		return
	}
	drop = min(drop, int64(len(s.buf)))
	s.buf = append(s.buf[:0], s.buf[drop:]...)
	s.bufStart += drop
}

func (s *Segmenter) offset(sample int64) time.Duration {
	return time.Duration(sample * int64(time.Second) / int64(s.rate))
}
