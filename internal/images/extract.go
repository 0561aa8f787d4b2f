// extract.go collects the registry image references of a synthesized template.
package images

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const taskDefinitionType = "AWS::ECS::TaskDefinition"

// Extract returns every unique literal container image in the template's task
// definitions. Images assembled from intrinsics (the account's private
// registry) are not literals and are skipped.
func Extract(template map[string]any) ([]string, error) {
	resources, ok := template["Resources"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("template has no Resources section")
	}
	seen := make(map[string]struct{})
	for id, raw := range resources {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("resource %s is not an object", id)
		}
		if t, _, _ := unstructured.NestedString(obj, "Type"); t != taskDefinitionType {
			continue
		}
		for _, image := range collectFromContainers(obj) {
			seen[image] = struct{}{}
		}
	}
	images := make([]string, 0, len(seen))
	for ref := range seen {
		images = append(images, ref)
	}
	sort.Strings(images)
	return images, nil
}

func collectFromContainers(obj map[string]any) []string {
	containers, found, err := unstructured.NestedSlice(obj, "Properties", "ContainerDefinitions")
	if err != nil || !found {
		return nil
	}
	var out []string
	for _, c := range containers {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		image, ok := cm["Image"].(string)
		if !ok || strings.TrimSpace(image) == "" {
			continue
		}
		out = append(out, image)
	}
	return out
}
