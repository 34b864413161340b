package tui

import (
	"fmt"
	"strings"
	"time"
)

// FormatSize formats bytes with decimal units. Negative sizes are unknown.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return "?"
	}
	const unit = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytesPerSec int64) string {
	if bytesPerSec < 0 {
		return "0 B/s"
	}
	return fmt.Sprintf("%s/s", FormatSize(bytesPerSec))
}

// FormatETA renders d as "HHh MMm SSs", "MMm SSs" or "SSs", and "N/A"
// when the estimate is unknown or not positive.
func FormatETA(d time.Duration, known bool) string {
	if !known || d <= 0 {
		return "N/A"
	}
	seconds := int64(d.Round(time.Second) / time.Second)
	minutes, seconds := seconds/60, seconds%60
	hours, minutes := minutes/60, minutes%60
	switch {
	case hours > 0:
		return fmt.Sprintf("%02dh %02dm %02ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%02dm %02ds", minutes, seconds)
	default:
		return fmt.Sprintf("%02ds", seconds)
	}
}

// Percent returns completed/total in [0, 1], or false when total is unknown.
func Percent(completed, total int64) (float64, bool) {
	if total < 0 {
		return 0, false
	}
	if total == 0 {
		return 1, true
	}
	return min(float64(completed)/float64(total), 1), true
}

func progressBar(width int, percent float64) string {
	w := float64(width)

	filled := min(max(int(w*percent), 0), width)
	empty := width - filled

	filledStr := strings.Repeat("█", filled)
	emptyStr := strings.Repeat("░", empty)

	return progressBarFilledStyle.Render(filledStr) +
		progressBarEmptyStyle.Render(emptyStr)
}
