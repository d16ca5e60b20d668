package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ANSI color codes
const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Dim   = "\033[2m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	White   = "\033[37m"
)

const ruleWidth = 50

var banner = `
        _      _                  _
  _ __ (_)_  _| |_ _ __ __ _  ___| | _____ _ __
 | '_ \| \ \/ / __| '__/ _' |/ __| |/ / _ \ '__|
 | |_) | |>  <| |_| | | (_| | (__|   <  __/ |
 | .__/|_/_/\_\\__|_|  \__,_|\___|_|\_\___|_|
 |_|
`

type row struct {
	key, value string
	style      string
	badge      bool
}

// panel is a titled block of aligned key/value rows. Rows are buffered
// and written by flush so the key column fits the longest key.
type panel struct {
	out   io.Writer
	title string
	rows  []row
	notes []string
}

func newPanel(title string) *panel {
	return &panel{out: os.Stdout, title: title}
}

func (p *panel) add(key, value string) *panel {
	p.rows = append(p.rows, row{key: key, value: value, style: White})
	return p
}

func (p *panel) highlight(key, value string) *panel {
	p.rows = append(p.rows, row{key: key, value: value, style: Bold + Cyan})
	return p
}

// status renders value as a colored [badge].
func (p *panel) status(key string, on bool) *panel {
	value, color := onOff(on)
	p.rows = append(p.rows, row{key: key, value: value, style: Bold + color, badge: true})
	return p
}

// note adds a free-form line printed after the rows.
func (p *panel) note(format string, args ...interface{}) *panel {
	p.notes = append(p.notes, fmt.Sprintf(format, args...))
	return p
}

func (p *panel) flush() {
	width := 0
	for _, r := range p.rows {
		width = max(width, len(r.key))
	}

	fmt.Fprintf(p.out, "\n  %s%s%s %s%s%s\n", Bold, Magenta, p.title, Reset, Dim,
		strings.Repeat("─", max(ruleWidth-len(p.title)-1, 3))+Reset)
	for _, r := range p.rows {
		value := r.value
		if r.badge {
			value = "[" + value + "]"
		}
		fmt.Fprintf(p.out, "  %s%-*s%s  %s%s%s\n", Dim, width, r.key, Reset, r.style, value, Reset)
	}
	for _, n := range p.notes {
		fmt.Fprintf(p.out, "  %s·%s %s\n", Cyan, Reset, n)
	}
	p.rows, p.notes = nil, nil
}

func PrintBanner() {
	fmt.Print(Cyan + Bold + banner + Reset)
}

func PrintError(msg string) {
	fmt.Fprintf(os.Stderr, "\n  %s%serror:%s %s\n", Bold, Red, Reset, msg)
}

func PrintDivider() {
	fmt.Printf("  %s%s%s\n", Dim, strings.Repeat("─", ruleWidth), Reset)
}

func onOff(b bool) (string, string) {
	if b {
		return "on", Green
	}
	return "off", Yellow
}

// FormatDuration prints whole minutes as "15m" and anything else as is.
func FormatDuration(d time.Duration) string {
	if d > 0 && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return d.String()
}

func FormatBytes(bytes int64) string {
	const unit = 1024
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
