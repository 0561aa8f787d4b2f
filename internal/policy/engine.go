package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"
)

// DefaultQuery is the package every guardrail bundle must define.
const DefaultQuery = "data.lampstack.guardrails"

type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeWarn    Mode = "warn"
)

// ParseMode accepts enforce or warn; empty means enforce.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeEnforce:
		return ModeEnforce, nil
	case ModeWarn:
		return ModeWarn, nil
	default:
		return "", fmt.Errorf("unknown policy mode %q (want enforce or warn)", s)
	}
}

// TemplateInput is the document the guardrails see as input.
type TemplateInput struct {
	WhenUTC   time.Time      `json:"whenUtc"`
	StackName string         `json:"stackName"`
	Digest    string         `json:"digest,omitempty"`
	Template  map[string]any `json:"template"`
	// Helpers are the services that must idle at zero replicas.
	Helpers []string       `json:"helpers,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type Violation struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Subject string `json:"subject,omitempty"`
}

type Report struct {
	PolicyRef   string      `json:"policyRef,omitempty"`
	Mode        Mode        `json:"mode"`
	Passed      bool        `json:"passed"`
	DenyCount   int         `json:"denyCount"`
	WarnCount   int         `json:"warnCount"`
	Deny        []Violation `json:"deny,omitempty"`
	Warn        []Violation `json:"warn,omitempty"`
	EvaluatedAt time.Time   `json:"evaluatedAt"`
}

// Err reports the denials as an error when the report is enforced.
func (r *Report) Err() error {
	if r == nil || r.Mode == ModeWarn || r.DenyCount == 0 {
		return nil
	}
	msgs := make([]string, 0, len(r.Deny))
	for _, v := range r.Deny {
		msgs = append(msgs, fmt.Sprintf("[%s] %s: %s", v.Code, v.Subject, v.Message))
	}
	return fmt.Errorf("policy denied %d finding(s): %s", r.DenyCount, strings.Join(msgs, "; "))
}

func Evaluate(ctx context.Context, bundle *Bundle, input TemplateInput) (*Report, error) {
	return EvaluateWithQuery(ctx, bundle, input, DefaultQuery)
}

func EvaluateWithQuery(ctx context.Context, bundle *Bundle, input TemplateInput, query string) (*Report, error) {
	if bundle == nil {
		return nil, errors.New("policy bundle is required")
	}
	input.Data = bundle.Data
	if len(bundle.Modules) == 0 {
		if bundle.Dir == "" {
			return nil, errors.New("policy bundle has no modules")
		}
		loaded, err := bundleFromFS(os.DirFS(bundle.Dir))
		if err != nil {
			return nil, err
		}
		bundle.Modules = loaded.Modules
	}
	query = strings.TrimSpace(query)
	if query == "" {
		query = DefaultQuery
	}
	opts := []func(*rego.Rego){
		rego.Query(query),
		rego.Input(input),
	}
	for _, name := range bundle.ModuleNames() {
		opts = append(opts, rego.Module(name, bundle.Modules[name]))
	}
	r := rego.New(opts...)
	rs, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", query, err)
	}
	out := &Report{
		PolicyRef:   bundle.Ref,
		Mode:        ModeEnforce,
		Passed:      true,
		EvaluatedAt: time.Now().UTC(),
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return out, nil
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return out, nil
	}
	if deny, ok := obj["deny"]; ok {
		out.Deny = parseViolations(deny)
	}
	if warn, ok := obj["warn"]; ok {
		out.Warn = parseViolations(warn)
	}
	out.DenyCount = len(out.Deny)
	out.WarnCount = len(out.Warn)
	out.Passed = out.DenyCount == 0
	return out, nil
}

func parseViolations(v any) []Violation {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Violation, 0, len(list))
	for _, entry := range list {
		switch t := entry.(type) {
		case string:
			out = append(out, Violation{Message: t})
		case map[string]any:
			viol := Violation{}
			if s, ok := t["message"].(string); ok {
				viol.Message = s
			}
			if s, ok := t["code"].(string); ok {
				viol.Code = s
			}
			if s, ok := t["path"].(string); ok {
				viol.Path = s
			}
			if s, ok := t["subject"].(string); ok {
				viol.Subject = s
			}
			if viol.Message == "" {
				viol.Message = fmt.Sprintf("%v", t)
			}
			out = append(out, viol)
		default:
			out = append(out, Violation{Message: fmt.Sprintf("%v", t)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}
