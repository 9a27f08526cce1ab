package output

import (
	"fmt"
	"time"
)

// FormatBits renders a bit rate with a decimal unit, e.g. "93.41 Mb/s".
func FormatBits(bps float64) string {
	const (
		kbit = 1e3
		mbit = 1e6
		gbit = 1e9
	)
	switch {
	case bps >= gbit:
		return fmt.Sprintf("%.2f Gb/s", bps/gbit)
	case bps >= mbit:
		return fmt.Sprintf("%.2f Mb/s", bps/mbit)
	case bps >= kbit:
		return fmt.Sprintf("%.2f Kb/s", bps/kbit)
	case bps > 0:
		return fmt.Sprintf("%.0f b/s", bps)
	default:
		return "--"
	}
}

func FormatBytes(b uint64) string {
	const kb = 1024
	const mb = kb * 1024
	const gb = mb * 1024
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	case b > 0:
		return fmt.Sprintf("%d B", b)
	default:
		return "0 B"
	}
}

func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	if d < time.Second {
		return fmt.Sprintf("%d ms", d.Milliseconds())
	}
	return d.Truncate(10 * time.Millisecond).String()
}
