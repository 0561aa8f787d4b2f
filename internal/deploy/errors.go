package deploy

import (
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

var (
	// ErrStackNotFound is returned when CloudFormation has no stack by that name.
	ErrStackNotFound = errors.New("stack not found")
	// ErrNoChanges marks a change set that would not modify the stack.
	ErrNoChanges = errors.New("no changes")
)

// StackFailedError reports a stack that settled in a failed or rolled back status.
type StackFailedError struct {
	Stack  string
	Status string
	Reason string
}

func (e *StackFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stack %s finished in %s", e.Stack, e.Status)
	}
	return fmt.Sprintf("stack %s finished in %s: %s", e.Stack, e.Status, e.Reason)
}

// isNotFound recognizes the ValidationError CloudFormation returns for a
// missing stack. The API has no dedicated error code for it.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist")
}
