package models

import (
	"fmt"
	"io"
)

// TranscriptSegment is a finalized span of transcribed speech. Segments are immutable once appended to a
// session's segment log.
type TranscriptSegment struct {
	ID         string
	Timestamp  string
	Text       string
	Speaker    string
	Confidence *float64
}

// FormatTimestamp renders elapsed seconds as mm:ss. Minutes are not wrapped at an hour.
func FormatTimestamp(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// TranscriptionRequest is a one-shot transcription of a complete audio file.
type TranscriptionRequest struct {
	Filename    string
	Audio       io.Reader
	Model       string
	Language    string
	Prompt      string
	Temperature *float64
}

// TranscriptionResult is the text of a one-shot transcription. Confidence is nil when the engine
// reported no evidence.
type TranscriptionResult struct {
	Text       string
	Confidence *float64
}
