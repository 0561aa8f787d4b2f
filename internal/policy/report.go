package policy

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

func WriteReport(path string, report *Report) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if report == nil {
		return fmt.Errorf("report is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	return os.WriteFile(path, raw, 0o644)
}

// WriteSummary prints one line per finding followed by the verdict.
func WriteSummary(w io.Writer, report *Report) error {
	if report == nil {
		return fmt.Errorf("report is nil")
	}
	for _, v := range report.Deny {
		if _, err := fmt.Fprintf(w, "DENY  %-20s %-28s %s\n", v.Code, v.Subject, v.Message); err != nil {
			return err
		}
	}
	for _, v := range report.Warn {
		if _, err := fmt.Fprintf(w, "WARN  %-20s %-28s %s\n", v.Code, v.Subject, v.Message); err != nil {
			return err
		}
	}
	verdict := "passed"
	if !report.Passed {
		verdict = "failed"
		if report.Mode == ModeWarn {
			verdict = "failed (warn mode, not enforced)"
		}
	}
	_, err := fmt.Fprintf(w, "policy %s: %d deny, %d warn, %s\n", report.PolicyRef, report.DenyCount, report.WarnCount, verdict)
	return err
}
