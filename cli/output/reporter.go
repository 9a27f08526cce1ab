package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/jgoldverg/bitrate/pkg/session"
	"github.com/jgoldverg/bitrate/pkg/speedclient"
	"github.com/pterm/pterm"
)

// SessionReporter prints one line per finished session and a table per
// round.
type SessionReporter struct {
	mu     sync.Mutex
	writer io.Writer
}

func NewSessionReporter() *SessionReporter {
	return &SessionReporter{writer: os.Stdout}
}

// WithWriter redirects output, mostly for tests.
func (r *SessionReporter) WithWriter(w io.Writer) *SessionReporter {
	r.writer = w
	return r
}

func (r *SessionReporter) SessionCompleted(round int, res session.Result) {
	line := SessionLine(round, res)
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.writer, line)
}

func (r *SessionReporter) RoundCompleted(summary speedclient.RoundSummary) {
	table := RoundTable(summary)
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.writer, pterm.DefaultSection.Sprintf("Round %d against %s", summary.Round, summary.Endpoint))
	fmt.Fprintln(r.writer, table)
	fmt.Fprintf(r.writer, "Round time: %s\n", FormatDuration(summary.Elapsed))
}

// SessionLine is the single-line account of one session.
func SessionLine(round int, res session.Result) string {
	var amount string
	switch res.Kind {
	case session.KindDatagram:
		amount = fmt.Sprintf("%d segments", res.Segments)
	default:
		amount = FormatBytes(res.Bytes)
	}
	prefix := pterm.Success
	if res.Outcome == session.OutcomeShort || res.Outcome == session.OutcomeFailed {
		prefix = pterm.Warning
	}
	msg := fmt.Sprintf("round %d %-8s %s  %s in %s  %s",
		round,
		res.Kind,
		shortID(res.ID.String()),
		amount,
		FormatDuration(res.Elapsed),
		FormatBits(res.BitsPerSecond),
	)
	if res.Err != nil {
		msg += "  (" + res.Err.Error() + ")"
	}
	return prefix.Sprint(msg)
}

// RoundTable renders per-kind aggregates for a round.
func RoundTable(summary speedclient.RoundSummary) string {
	data := pterm.TableData{
		{"Kind", "Sessions", "Transferred", "Aggregate", "Outcomes"},
	}
	kinds := make([]string, 0, len(summary.Kinds))
	for k := range summary.Kinds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		ks := summary.Kinds[session.Kind(k)]
		transferred := FormatBytes(ks.Bytes)
		if session.Kind(k) == session.KindDatagram {
			transferred = fmt.Sprintf("%d segments", ks.Segments)
		}
		data = append(data, []string{
			k,
			fmt.Sprintf("%d", ks.Sessions),
			transferred,
			FormatBits(ks.AggregateBitsPerSecond),
			formatOutcomes(ks.Outcomes),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return table
}

func formatOutcomes(outcomes map[session.Outcome]int) string {
	parts := make([]string, 0, len(outcomes))
	for o, n := range outcomes {
		parts = append(parts, fmt.Sprintf("%s=%d", o, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
