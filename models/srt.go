package models

import (
	"fmt"
	"strings"
)

// TranscriptWord is a single word with millisecond timestamps as reported by
// the transcription provider.
type TranscriptWord struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// wordsPerCue caps how many words are grouped into one subtitle cue when
// building SRT from raw word timings.
const wordsPerCue = 10

// FormatSRTTimestamp renders a millisecond offset as an SRT timestamp
// (HH:MM:SS,mmm).
func FormatSRTTimestamp(ms int) string {
	if ms < 0 {
		ms = 0
	}
	hours := ms / 3600000
	minutes := (ms % 3600000) / 60000
	seconds := (ms % 60000) / 1000
	millis := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, millis)
}

// BuildSRTFromWords converts word-level timestamps into SRT cue text. Used as
// a fallback when the provider cannot serve a preformatted subtitle file.
func BuildSRTFromWords(words []TranscriptWord) string {
	if len(words) == 0 {
		return ""
	}

	var b strings.Builder
	cueIndex := 1
	cueStart := 0
	var cueText []string

	for i, word := range words {
		if len(cueText) == 0 {
			cueStart = word.Start
		}
		cueText = append(cueText, word.Text)

		if len(cueText) == wordsPerCue || i == len(words)-1 {
			end := word.End
			if end <= word.Start {
				end = word.Start + 1000
			}

			fmt.Fprintf(&b, "%d\n", cueIndex)
			fmt.Fprintf(&b, "%s --> %s\n", FormatSRTTimestamp(cueStart), FormatSRTTimestamp(end))
			fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(strings.Join(cueText, " ")))

			cueIndex++
			cueText = cueText[:0]
		}
	}

	return b.String()
}
