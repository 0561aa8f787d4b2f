package deploy

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
)

// Event is one stack event as reported by CloudFormation.
type Event struct {
	Time      time.Time `json:"time"`
	LogicalID string    `json:"logicalId"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
}

// EventConsole renders stack events as fixed-width rows.
type EventConsole struct {
	w     io.Writer
	width int
	color bool

	mu     sync.Mutex
	header bool
}

func NewEventConsole(w io.Writer, width int, colorEnabled bool) *EventConsole {
	if width <= 0 {
		width = 120
	}
	return &EventConsole{w: w, width: width, color: colorEnabled}
}

type consoleCols struct {
	time     int
	resource int
	kind     int
	status   int
	reason   int
}

func consoleColumnWidths(total int) consoleCols {
	ts := 8
	resource := 36
	kind := 30
	status := 22
	minReason := 10

	used := ts + resource + kind + status + 4
	reason := total - used
	for reason < minReason && kind > 16 {
		kind--
		used--
		reason = total - used
	}
	for reason < minReason && resource > 20 {
		resource--
		used--
		reason = total - used
	}
	if reason < 0 {
		reason = 0
	}
	return consoleCols{time: ts, resource: resource, kind: kind, status: status, reason: reason}
}

// Handle satisfies Deployer.Events.
func (c *EventConsole) Handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cols := consoleColumnWidths(c.width)
	if !c.header {
		c.header = true
		head := strings.Join([]string{
			formatCell("TIME", cols.time),
			formatCell("RESOURCE", cols.resource),
			formatCell("TYPE", cols.kind),
			formatCell("STATUS", cols.status),
			formatCell("REASON", cols.reason),
		}, " ")
		fmt.Fprintln(c.w, c.paint(color.Bold, strings.TrimRight(head, " ")))
	}
	row := strings.Join([]string{
		formatCell(ev.Time.Local().Format("15:04:05"), cols.time),
		formatCell(ev.LogicalID, cols.resource),
		formatCell(strings.TrimPrefix(ev.Type, "AWS::"), cols.kind),
		c.paint(statusColor(ev.Status), formatCell(ev.Status, cols.status)),
		formatCell(ev.Reason, cols.reason),
	}, " ")
	fmt.Fprintln(c.w, strings.TrimRight(row, " "))
}

func (c *EventConsole) paint(attr color.Attribute, s string) string {
	if !c.color || attr == color.Reset {
		return s
	}
	p := color.New(attr)
	p.EnableColor()
	return p.Sprint(s)
}

func statusColor(status string) color.Attribute {
	switch {
	case strings.HasSuffix(status, "_FAILED"), strings.Contains(status, "ROLLBACK"):
		return color.FgRed
	case strings.HasSuffix(status, "_IN_PROGRESS"):
		return color.FgBlue
	case strings.HasSuffix(status, "_COMPLETE"):
		return color.FgGreen
	default:
		return color.Reset
	}
}

func formatCell(text string, width int) string {
	if width <= 0 {
		return ""
	}
	trimmed := trimToWidth(text, width)
	pad := width - runewidth.StringWidth(trimmed)
	if pad <= 0 {
		return trimmed
	}
	return trimmed + strings.Repeat(" ", pad)
}

func trimToWidth(s string, width int) string {
	s = strings.TrimSpace(s)
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 1 {
		out := []rune(s)
		if len(out) == 0 {
			return ""
		}
		return string(out[:1])
	}
	limit := width - 1
	var out []rune
	w := 0
	for _, r := range s {
		rw := runewidth.RuneWidth(r)
		if rw == 0 {
			rw = 1
		}
		if w+rw > limit {
			break
		}
		out = append(out, r)
		w += rw
	}
	return string(out) + "…"
}
