package recorder

import (
	"fmt"

	"github.com/twotruths/mediacore/internal/mediaerr"
)

// FinalDurationMs picks the larger of the wall-clock and decoder durations; the
// timer drifts low, so the larger value is the closer one.
func FinalDurationMs(timerElapsedMs, decoderReportedMs int64) int64 {
	if decoderReportedMs > timerElapsedMs {
		return decoderReportedMs
	}
	return timerElapsedMs
}

// ValidateCapture checks file size first, then duration bounds. It returns the final
// duration on success. Over-long captures are rejected outright; they are never trimmed.
func ValidateCapture(statementIndex int, sizeBytes, timerElapsedMs, decoderReportedMs int64, l Limits) (int64, *mediaerr.Error) {
	if sizeBytes <= 0 {
		return 0, mediaerr.New(mediaerr.RecordingFailed, statementIndex, "recorded file is empty")
	}
	final := FinalDurationMs(timerElapsedMs, decoderReportedMs)
	if maxMs := l.MaxDuration.Milliseconds(); final > maxMs {
		return final, mediaerr.New(mediaerr.DurationTooLong, statementIndex,
			fmt.Sprintf("recording is %dms, limit is %dms", final, maxMs))
	}
	if minMs := l.MinDuration.Milliseconds(); final < minMs {
		return final, mediaerr.New(mediaerr.DurationTooShort, statementIndex,
			fmt.Sprintf("recording is %dms, minimum is %dms", final, minMs))
	}
	return final, nil
}
