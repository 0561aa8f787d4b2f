// File: internal/stack/doc.go
// Brief: Resource graph model, DAG planning and CloudFormation synthesis.

// Package stack implements the declarative resource graph behind lampstack:
// named resources with explicit and inferred dependency edges, DAG planning
// into execution groups, and synthesis into a CloudFormation template that the
// provisioning engine applies.
package stack
