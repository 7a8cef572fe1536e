package transcript

import (
	"strconv"
	"strings"

	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
)

// Chunk window defaults.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// Chunk is a word window over a finalized transcript. Never persisted.
type Chunk struct {
	Index            int    `json:"chunk_index"`
	ID               string `json:"chunk_id"`
	Text             string `json:"text"`
	WordCount        int    `json:"word_count"`
	StartWord        int    `json:"start_word"`
	EndWord          int    `json:"end_word"`
	TotalChunks      int    `json:"total_chunks"`
	HasOverlapBefore bool   `json:"has_overlap_before"`
	HasOverlapAfter  bool   `json:"has_overlap_after"`
}

// TotalChunks returns how many windows of size words, each sharing overlap
// words with its predecessor, are needed to cover wordCount words.
func TotalChunks(wordCount, size, overlap int) (int, error) {
	if err := validateWindow(size, overlap); err != nil {
		return 0, err
	}
	return totalChunks(wordCount, size, overlap), nil
}

func totalChunks(wordCount, size, overlap int) int {
	if wordCount <= 0 {
		return 0
	}
	stride := size - overlap
	n := (wordCount - overlap + stride - 1) / stride
	return max(1, n)
}

func validateWindow(size, overlap int) error {
	if size <= 0 {
		return apperrors.Newf(apperrors.InvalidArgument, "chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return apperrors.Newf(apperrors.InvalidArgument, "chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return nil
}

// ChunkAt returns window index of text. Negative indexes count from the end,
// so -1 is the last chunk.
func ChunkAt(text string, index, size, overlap int) (Chunk, error) {
	if err := validateWindow(size, overlap); err != nil {
		return Chunk{}, err
	}

	words := strings.Fields(text)
	total := totalChunks(len(words), size, overlap)

	resolved := index
	if resolved < 0 {
		resolved += total
	}
	if resolved < 0 || resolved >= total {
		return Chunk{}, apperrors.Newf(apperrors.IndexOutOfRange, "chunk %d out of range", index).
			WithMetadata("total_chunks", strconv.Itoa(total))
	}

	start := resolved * (size - overlap)
	end := min(start+size, len(words))

	return Chunk{
		Index:            resolved,
		ID:               "chunk_" + strconv.Itoa(resolved),
		Text:             strings.Join(words[start:end], " "),
		WordCount:        end - start,
		StartWord:        start,
		EndWord:          end,
		TotalChunks:      total,
		HasOverlapBefore: resolved > 0,
		HasOverlapAfter:  resolved < total-1,
	}, nil
}
