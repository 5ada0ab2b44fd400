package orchestration

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const orchestrationTracerName = "rexsync.orchestration"

const (
	spanStartWorkflow   = "orchestration.start_workflow"
	spanRefreshAll      = "orchestration.refresh_all"
	spanRefreshInstance = "orchestration.refresh_instance"
	spanTaskBatch       = "orchestration.task_batch"
	spanCancelWorkflow  = "orchestration.cancel_workflow"
)

const (
	attrInstanceID   = "workflow.instance_id"
	attrDeploymentID = "workflow.deployment_id"
	attrOperation    = "orchestration.operation"
	attrInstances    = "orchestration.instances"
)

func orchestrationTracer() trace.Tracer {
	return otel.Tracer(orchestrationTracerName)
}
