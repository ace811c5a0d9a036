package filetransfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// DefaultProgressInterval is the minimum spacing between progress observations.
const DefaultProgressInterval = 200 * time.Millisecond

const progressBarWidth = 30

// Progress is one observation of a running transfer.
type Progress struct {
	TransferID string
	Filename   string
	Bytes      int64
	Total      int64 // 0 when unknown
	Elapsed    time.Duration
	Done       bool
}

// ProgressFunc receives throttled progress observations.
type ProgressFunc func(Progress)

// Percent returns the completed fraction in percent, or 0 when Total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Bytes) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Speed returns the average rate in bytes per second.
func (p Progress) Speed() float64 {
	secs := p.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(p.Bytes) / secs
}

// Bar renders a fixed width progress bar.
func (p Progress) Bar() string {
	filled := int(float64(progressBarWidth) * p.Percent() / 100)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled) + "]"
}

// String renders the observation as "[███░░] 42.0% | 1.2 MiB/s | 3.4 MiB/8.0 MiB".
func (p Progress) String() string {
	if p.Total <= 0 {
		return fmt.Sprintf("%s | %s", FormatSize(p.Bytes), FormatSpeed(p.Speed()))
	}
	return fmt.Sprintf("%s %.1f%% | %s | %s/%s",
		p.Bar(), p.Percent(), FormatSpeed(p.Speed()), FormatSize(p.Bytes), FormatSize(p.Total))
}

// FormatSize formats bytes using IEC units (KiB, MiB, ...).
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatSpeed formats a byte rate as "<size>/s".
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// progressReporter throttles observations to one per interval, with the
// first and the final observation always delivered.
type progressReporter struct {
	fn       ProgressFunc
	every    *rate.Sometimes
	id       string
	filename string
	total    int64
	start    time.Time
}

func newProgressReporter(fn ProgressFunc, interval time.Duration, id, filename string, total int64) *progressReporter {
	if fn == nil {
		return nil
	}
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &progressReporter{
		fn:       fn,
		every:    &rate.Sometimes{Interval: interval},
		id:       id,
		filename: filename,
		total:    total,
		start:    time.Now(),
	}
}

func (r *progressReporter) update(bytes int64) {
	if r == nil {
		return
	}
	r.every.Do(func() { r.fn(r.observe(bytes, false)) })
}

func (r *progressReporter) finish(bytes int64) {
	if r == nil {
		return
	}
	r.fn(r.observe(bytes, true))
}

func (r *progressReporter) observe(bytes int64, done bool) Progress {
	return Progress{
		TransferID: r.id,
		Filename:   r.filename,
		Bytes:      bytes,
		Total:      r.total,
		Elapsed:    time.Since(r.start),
		Done:       done,
	}
}
