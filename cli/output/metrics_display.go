package output

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jgoldverg/bitrate/pkg/metrics"
	"github.com/pterm/pterm"
)

// MetricsDisplay renders live session counters using pterm primitives.
type MetricsDisplay struct {
	title     string
	collector *metrics.SessionCollector
	interval  time.Duration

	mu     sync.Mutex
	area   *pterm.AreaPrinter
	ticker *time.Ticker
	cancel context.CancelFunc
	active bool
	writer io.Writer
	loops  sync.WaitGroup
}

func NewMetricsDisplay(title string, collector *metrics.SessionCollector) *MetricsDisplay {
	if strings.TrimSpace(title) == "" {
		title = "Sessions"
	}
	return &MetricsDisplay{
		title:     title,
		collector: collector,
		interval:  time.Second,
	}
}

// WithWriter renders into w instead of a live terminal area.
func (d *MetricsDisplay) WithWriter(w io.Writer) *MetricsDisplay {
	d.writer = w
	return d
}

// Start begins rendering. No-op when collector is nil or already started.
func (d *MetricsDisplay) Start(ctx context.Context) error {
	if d == nil || d.collector == nil {
		return nil
	}
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(d.interval)
	d.ticker = ticker
	d.cancel = cancel
	d.active = true
	useArea := d.writer == nil
	d.mu.Unlock()

	if useArea {
		area, err := pterm.DefaultArea.WithRemoveWhenDone(false).Start()
		if err != nil {
			d.cleanup()
			return err
		}
		d.mu.Lock()
		d.area = area
		d.mu.Unlock()
	}

	d.loops.Add(1)
	go d.loop(ctx, ticker)
	return nil
}

func (d *MetricsDisplay) loop(ctx context.Context, ticker *time.Ticker) {
	defer d.loops.Done()
	d.render()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.render()
		}
	}
}

// Stop ends live rendering and prints a final snapshot.
func (d *MetricsDisplay) Stop() {
	if d == nil {
		return
	}
	d.cleanup()
	d.printFinal()
}

func (d *MetricsDisplay) cleanup() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	cancel, ticker, area := d.cancel, d.ticker, d.area
	d.area = nil
	d.ticker = nil
	d.cancel = nil
	d.active = false
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ticker != nil {
		ticker.Stop()
	}
	d.loops.Wait()
	if area != nil {
		_ = area.Stop()
	}
}

func (d *MetricsDisplay) render() {
	snap := d.collector.Snapshot()
	content := fmt.Sprintf("%s\n%s\nUptime: %s",
		pterm.DefaultHeader.
			WithBackgroundStyle(pterm.NewStyle(pterm.BgBlue)).
			WithTextStyle(pterm.NewStyle(pterm.FgLightWhite, pterm.Bold)).
			WithFullWidth().
			Sprint(d.title),
		SnapshotTable(snap),
		FormatDuration(snap.Elapsed))

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.writer != nil:
		_, _ = fmt.Fprintf(d.writer, "%s\n", content)
	case d.area != nil:
		d.area.Update(content)
	}
}

func (d *MetricsDisplay) printFinal() {
	if d.collector == nil {
		return
	}
	snap := d.collector.Snapshot()
	if len(snap.Kinds) == 0 {
		return
	}
	table := SnapshotTable(snap)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer != nil {
		fmt.Fprintf(d.writer, "%s\nUptime: %s\n", table, FormatDuration(snap.Elapsed))
		return
	}
	pterm.Println()
	pterm.DefaultSection.Println(d.title)
	fmt.Println(table)
	fmt.Printf("Uptime: %s\n", FormatDuration(snap.Elapsed))
}

// SnapshotTable renders the collector's per-kind counters.
func SnapshotTable(snap metrics.Snapshot) string {
	data := pterm.TableData{
		{"Kind", "Started", "Active", "Completed", "Bytes", "Segments", "Mean rate"},
	}
	kinds := make([]string, 0, len(snap.Kinds))
	for k := range snap.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		ks := snap.Kinds[k]
		data = append(data, []string{
			k,
			fmt.Sprintf("%d", ks.Started),
			fmt.Sprintf("%d", ks.Active),
			fmt.Sprintf("%d", ks.Completed),
			FormatBytes(ks.Bytes),
			fmt.Sprintf("%d", ks.Segments),
			FormatBits(ks.MeanBps),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return table
}
