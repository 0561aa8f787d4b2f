package deploy

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/pkg/errors"
)

// Resource is one physical resource of a deployed stack.
type Resource struct {
	LogicalID  string `json:"logicalId"`
	PhysicalID string `json:"physicalId"`
	Type       string `json:"type"`
	Status     string `json:"status"`
}

func (d *Deployer) describeStack(ctx context.Context, name string) (*cfntypes.Stack, error) {
	out, err := d.CFN.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrStackNotFound
		}
		return nil, errors.Wrapf(err, "describe stack %s", name)
	}
	if len(out.Stacks) == 0 {
		return nil, ErrStackNotFound
	}
	st := out.Stacks[0]
	return &st, nil
}

// Exists reports whether the stack is present and not deleted.
func (d *Deployer) Exists(ctx context.Context, name string) (bool, error) {
	st, err := d.describeStack(ctx, name)
	if errors.Is(err, ErrStackNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.StackStatus != cfntypes.StackStatusDeleteComplete, nil
}

// Status returns the current stack status.
func (d *Deployer) Status(ctx context.Context, name string) (string, error) {
	st, err := d.describeStack(ctx, name)
	if err != nil {
		return "", err
	}
	return string(st.StackStatus), nil
}

// Outputs returns the stack outputs keyed by output name.
func (d *Deployer) Outputs(ctx context.Context, name string) (map[string]string, error) {
	st, err := d.describeStack(ctx, name)
	if err != nil {
		return nil, err
	}
	return outputsOf(st), nil
}

func outputsOf(st *cfntypes.Stack) map[string]string {
	out := map[string]string{}
	if st == nil {
		return out
	}
	for _, o := range st.Outputs {
		out[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return out
}

// Resources lists the physical resources sorted by logical ID.
func (d *Deployer) Resources(ctx context.Context, name string) ([]Resource, error) {
	out, err := d.CFN.DescribeStackResources(ctx, &cloudformation.DescribeStackResourcesInput{StackName: aws.String(name)})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrStackNotFound
		}
		return nil, errors.Wrapf(err, "describe resources of %s", name)
	}
	res := make([]Resource, 0, len(out.StackResources))
	for _, r := range out.StackResources {
		res = append(res, Resource{
			LogicalID:  aws.ToString(r.LogicalResourceId),
			PhysicalID: aws.ToString(r.PhysicalResourceId),
			Type:       aws.ToString(r.ResourceType),
			Status:     string(r.ResourceStatus),
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].LogicalID < res[j].LogicalID })
	return res, nil
}

// PhysicalIDs maps logical IDs to physical IDs.
func (d *Deployer) PhysicalIDs(ctx context.Context, name string) (map[string]string, error) {
	res, err := d.Resources(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(res))
	for _, r := range res {
		out[r.LogicalID] = r.PhysicalID
	}
	return out, nil
}

// DeployedTemplate returns the original template body of the live stack,
// re-indented when it is JSON.
func (d *Deployer) DeployedTemplate(ctx context.Context, name string) ([]byte, error) {
	out, err := d.CFN.GetTemplate(ctx, &cloudformation.GetTemplateInput{
		StackName:     aws.String(name),
		TemplateStage: cfntypes.TemplateStageOriginal,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrStackNotFound
		}
		return nil, errors.Wrapf(err, "get template of %s", name)
	}
	body := strings.TrimSpace(aws.ToString(out.TemplateBody))
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return []byte(body + "\n"), nil
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

// Destroy deletes the stack and waits for it to disappear. A missing stack is
// not an error.
func (d *Deployer) Destroy(ctx context.Context, name string) (string, error) {
	if d.CFN == nil {
		return "", errors.New("cloudformation client is required")
	}
	if _, err := d.describeStack(ctx, name); err != nil {
		if errors.Is(err, ErrStackNotFound) {
			d.Log.Info("stack already absent", "stack", name)
			return string(cfntypes.StackStatusDeleteComplete), nil
		}
		return "", err
	}
	started := d.clock()
	d.Log.Info("deleting stack", "stack", name)
	if _, err := d.CFN.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(name)}); err != nil {
		return "", errors.Wrap(err, "delete stack")
	}
	final, err := d.waitStack(ctx, name, started, true)
	if err != nil {
		return "", err
	}
	if final == nil {
		return string(cfntypes.StackStatusDeleteComplete), nil
	}
	return string(final.StackStatus), nil
}
