package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// WorkflowParent is the resource name executions are created under.
func WorkflowParent(projectID, location, workflowID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID)
}

// StartWorkflow creates an execution of the workflow named by parent with
// argument encoded as JSON. It returns the execution's resource name.
func StartWorkflow(ctx context.Context, client *executions.Client, parent string, argument any) (string, error) {
	payload, err := json.Marshal(argument)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow argument: %w", err)
	}
	exec, err := client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent: parent,
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create execution of %s: %w", parent, err)
	}
	return exec.GetName(), nil
}
