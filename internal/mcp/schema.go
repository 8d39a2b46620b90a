package mcp

// EngineStatusInput defines the input for the engine_status tool.
type EngineStatusInput struct {
	Detail string `json:"detail,omitempty" jsonschema:"description=Which report to fetch: 'full' (default), 'dynamic', 'measurements', or 'configurations'"`
}

// EngineStatusOutput defines the output for the engine_status tool.
type EngineStatusOutput struct {
	Query  string         `json:"query" jsonschema:"description=Control query that produced the report"`
	Status map[string]any `json:"status" jsonschema:"description=Report returned by the engine"`
}

// EngineControlInput defines the input for the engine_control tool. Omitted
// flags are left unchanged.
type EngineControlInput struct {
	Run          *bool `json:"run,omitempty" jsonschema:"description=Start (true) or stop (false) the tick loop; starting also clears pause"`
	Pause        *bool `json:"pause,omitempty" jsonschema:"description=Pause or resume ticks without stopping"`
	LogEnable    *bool `json:"log_enable,omitempty" jsonschema:"description=Toggle the control event journal"`
	RecordEnable *bool `json:"record_enable,omitempty" jsonschema:"description=Toggle spike recording"`
}

// EngineControlOutput defines the output for the engine_control tool.
type EngineControlOutput struct {
	Status  map[string]any `json:"status" jsonschema:"description=Full status after the change"`
	Message string         `json:"message" jsonschema:"description=Human-readable result message"`
}

// EngineDeployInput defines the input for the engine_deploy tool.
type EngineDeployInput struct {
	Model      string `json:"model" jsonschema:"description=Model package name,required"`
	Deployment string `json:"deployment" jsonschema:"description=Deployment within the model,required"`
	Engine     string `json:"engine,omitempty" jsonschema:"description=Engine name; defaults to the engine answering the control address"`
}

// EngineDeployOutput defines the output for the engine_deploy tool.
type EngineDeployOutput struct {
	Status  map[string]any `json:"status" jsonschema:"description=Full status after deploying"`
	Message string         `json:"message" jsonschema:"description=Human-readable result message"`
}

// PartitionMapInput defines the input for the partition_map tool.
type PartitionMapInput struct {
	Index *uint64 `json:"index,omitempty" jsonschema:"description=Optional global neuron index to locate in the map"`
}

// PartitionEntry is one expansion of the deployed model.
type PartitionEntry struct {
	Expansion int    `json:"expansion"`
	Engine    string `json:"engine"`
	Offset    uint64 `json:"offset"`
	Length    uint64 `json:"length"`
}

// PartitionMapOutput defines the output for the partition_map tool.
type PartitionMapOutput struct {
	Model        string           `json:"model" jsonschema:"description=Deployed model"`
	Deployment   string           `json:"deployment" jsonschema:"description=Deployed deployment"`
	Entries      []PartitionEntry `json:"entries" jsonschema:"description=Expansions in global index order"`
	TotalNeurons uint64           `json:"total_neurons" jsonschema:"description=Sum of expansion lengths"`
	Located      *PartitionEntry  `json:"located,omitempty" jsonschema:"description=Expansion holding the requested index"`
}
