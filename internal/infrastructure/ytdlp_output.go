package infrastructure

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	progressRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)%\s+of\s+~?(\d+(?:\.\d+)?)(KiB|MiB|GiB|B)`)
	speedRe    = regexp.MustCompile(`(?i)at\s+(\d+(?:\.\d+)?)(KiB|MiB|GiB|B)/s`)
)

// ProgressUpdate is one parsed progress line from the extraction tool
type ProgressUpdate struct {
	HasProgress bool
	Percent     float64
	TotalBytes  int64
	Downloaded  int64
	HasSpeed    bool
	Speed       float64
	Merging     bool
}

// ParseYtdlpLine extracts progress figures from one line of yt-dlp output.
// The progress and speed markers are independent patterns; a line carrying
// only one of them still yields an update. Returns false when the line
// carries neither.
func ParseYtdlpLine(line string) (ProgressUpdate, bool) {
	if strings.Contains(line, "[Merger]") {
		return ProgressUpdate{Merging: true}, true
	}

	var update ProgressUpdate

	if m := progressRe.FindStringSubmatch(line); m != nil {
		percent, perr := strconv.ParseFloat(m[1], 64)
		size, serr := strconv.ParseFloat(m[2], 64)
		if perr == nil && serr == nil {
			total := int64(size * unitMultiplier(m[3]))
			update.HasProgress = true
			update.Percent = percent
			update.TotalBytes = total
			update.Downloaded = int64(float64(total) * percent / 100)
		}
	}

	if sm := speedRe.FindStringSubmatch(line); sm != nil {
		if speed, err := strconv.ParseFloat(sm[1], 64); err == nil {
			update.HasSpeed = true
			update.Speed = speed * unitMultiplier(sm[2])
		}
	}

	return update, update.HasProgress || update.HasSpeed
}

func unitMultiplier(unit string) float64 {
	switch strings.ToUpper(unit) {
	case "KIB":
		return 1024
	case "MIB":
		return 1024 * 1024
	case "GIB":
		return 1024 * 1024 * 1024
	default:
		return 1
	}
}
