// File: internal/topology/outputs.go
// Brief: Named values exposed once the stack is resolved.

package topology

import (
	"fmt"

	"github.com/awslabs/goformation/v7/cloudformation"

	"github.com/example/lampstack/internal/stack"
)

// Output names.
const (
	OutputALBDNS        = "ALBDNS"
	OutputClusterName   = "ClusterName"
	OutputServiceName   = "EcsServiceName"
	OutputRDSEndpoint   = "RDSEndpoint"
	OutputClientService = "MySQLClientServiceName"
	serviceNameAttr     = "Name"
	endpointAddressAttr = "Endpoint.Address"
	loadBalancerDNSAttr = "DNSName"
)

func (b *builder) outputs() error {
	bindings := []OutputBinding{
		{Name: OutputALBDNS, Description: "Public DNS name of the load balancer", Value: cloudformation.GetAtt(loadBalancerID, loadBalancerDNSAttr)},
		{Name: OutputClusterName, Description: "ECS cluster name", Value: cloudformation.Ref(clusterID)},
		{Name: OutputServiceName, Description: "Application service name", Value: cloudformation.GetAtt(appServiceID, serviceNameAttr)},
		{Name: OutputRDSEndpoint, Description: "Database endpoint address", Value: cloudformation.GetAtt(databaseID, endpointAddressAttr)},
		{Name: OutputClientService, Description: "Database client helper service name", Value: cloudformation.GetAtt(clientServiceID, serviceNameAttr)},
	}
	for _, o := range bindings {
		v, err := stack.Value(o.Value)
		if err != nil {
			return fmt.Errorf("output %s: %w", o.Name, err)
		}
		if err := b.stack.AddOutput(stack.Output{Name: o.Name, Description: o.Description, Value: v}); err != nil {
			return err
		}
	}
	b.model.Outputs = bindings
	return nil
}
