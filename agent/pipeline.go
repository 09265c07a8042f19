package agent

// Step IDs for the fixed blueprint pipeline.
const (
	StepPMSpec     = "pm_spec"
	StepArchDesign = "arch_design"
	StepDevOps     = "devops_infrastructure"
	StepSecurity   = "security_architecture"
	StepEngineer   = "engineer_impl"
	StepUIDesign   = "ui_design"
	StepQA         = "qa_verification"
)

// Roles for the pipeline steps.
const (
	RoleProductManager = "product_manager"
	RoleArchitect      = "architect"
	RoleDevOps         = "devops_engineer"
	RoleSecurity       = "security_architect"
	RoleEngineer       = "software_engineer"
	RoleUIDesigner     = "ui_designer"
	RoleQA             = "qa_engineer"
)

// PipelineSteps returns the fixed step sequence in fresh Step values, all
// pending. Callers own the returned slice.
func PipelineSteps() []Step {
	return []Step{
		{ID: StepPMSpec, Name: "Product Specification", Role: RoleProductManager, Status: StatusPending},
		{ID: StepArchDesign, Name: "Architecture Design", Role: RoleArchitect, Status: StatusPending},
		{ID: StepDevOps, Name: "DevOps & Infrastructure", Role: RoleDevOps, Status: StatusPending},
		{ID: StepSecurity, Name: "Security Architecture", Role: RoleSecurity, Status: StatusPending},
		{ID: StepEngineer, Name: "Implementation Plan", Role: RoleEngineer, Status: StatusPending},
		{ID: StepUIDesign, Name: "UI Design", Role: RoleUIDesigner, Status: StatusPending},
		{ID: StepQA, Name: "QA & Verification", Role: RoleQA, Status: StatusPending},
	}
}

// StageOrder groups step IDs into sequential stages. Steps within one stage
// have no data dependency on each other and run in parallel; stage N+1 only
// starts once every step in stage N has been resolved.
func StageOrder() [][]string {
	return [][]string{
		{StepPMSpec},
		{StepArchDesign},
		{StepDevOps, StepSecurity},
		{StepEngineer},
		{StepUIDesign},
		{StepQA},
	}
}

// StepRole returns the role for a known step ID, or "" for unknown steps.
func StepRole(stepID string) string {
	for _, s := range PipelineSteps() {
		if s.ID == stepID {
			return s.Role
		}
	}
	return ""
}

// DependsOn returns the step IDs whose artifacts feed the given step,
// derived from the stage ordering: a step depends on every step in an
// earlier stage.
func DependsOn(stepID string) []string {
	var deps []string
	for _, stage := range StageOrder() {
		inStage := false
		for _, id := range stage {
			if id == stepID {
				inStage = true
			}
		}
		if inStage {
			return deps
		}
		deps = append(deps, stage...)
	}
	return nil
}
