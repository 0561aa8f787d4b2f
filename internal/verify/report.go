package verify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
)

func WriteReport(w io.Writer, rep *Report, format OutputFormat) error {
	if w == nil || rep == nil {
		return nil
	}
	switch format {
	case "", OutputTable:
		return writeTable(w, rep)
	case OutputJSON:
		raw, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		_, err = w.Write(append(raw, '\n'))
		return err
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func writeTable(w io.Writer, rep *Report) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Stack: %s\n", rep.Stack)
	fmt.Fprintf(&b, "Checks: %d pass, %d warn, %d fail, %d error, %d skip\n",
		rep.Count(StatusPass), rep.Count(StatusWarn), rep.Count(StatusFail), rep.Count(StatusError), rep.Count(StatusSkip))
	for _, f := range rep.Findings {
		msg := strings.Join(strings.Fields(f.Detail), " ")
		if len(msg) > 140 {
			msg = msg[:137] + "..."
		}
		target := f.Subject
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s (%s)\n", strings.ToUpper(string(f.Status)), f.Check, msg, target)
	}
	_, err := w.Write(b.Bytes())
	return err
}
