package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/embeddedpenguins/spikefabric/internal/control"
	"github.com/embeddedpenguins/spikefabric/internal/ratelimit"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// statusQueries maps engine_status detail names to control queries.
var statusQueries = map[string]string{
	"":               wire.QueryFullStatus,
	"full":           wire.QueryFullStatus,
	"dynamic":        wire.QueryDynamicStatus,
	"measurements":   wire.QueryRunMeasurements,
	"configurations": wire.QueryConfigurations,
}

// registerTools registers the engine tools with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "engine_status",
		Description: "Report the engine's run state, tick counters, deployment and service connections",
	}, s.handleEngineStatus)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "engine_control",
		Description: "Start, stop, pause or resume the engine and toggle its event journal and recording",
	}, s.handleEngineControl)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "engine_deploy",
		Description: "Load a model deployment from the topology service onto the engine",
	}, s.handleEngineDeploy)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "partition_map",
		Description: "Show how the deployed model's global neuron indices are split across engines",
	}, s.handlePartitionMap)
}

func (s *Server) handleEngineStatus(ctx context.Context, req *sdk.CallToolRequest, args EngineStatusInput) (_ *sdk.CallToolResult, _ EngineStatusOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("engine_status", start, retErr, auditParams(map[string]any{"detail": args.Detail}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "engine_status"); err != nil {
		return nil, EngineStatusOutput{}, err
	}

	query, ok := statusQueries[args.Detail]
	if !ok {
		return nil, EngineStatusOutput{}, fmt.Errorf("invalid detail: %s (must be one of: full, dynamic, measurements, configurations)", args.Detail)
	}

	status, err := s.call(ctx, query, nil)
	if err != nil {
		return nil, EngineStatusOutput{}, err
	}
	return nil, EngineStatusOutput{Query: query, Status: status}, nil
}

func (s *Server) handleEngineControl(ctx context.Context, req *sdk.CallToolRequest, args EngineControlInput) (_ *sdk.CallToolResult, _ EngineControlOutput, retErr error) {
	start := time.Now()
	defer func() {
		params := map[string]any{}
		for key, v := range map[string]*bool{
			"run": args.Run, "pause": args.Pause,
			"log_enable": args.LogEnable, "record_enable": args.RecordEnable,
		} {
			if v != nil {
				params[key] = *v
			}
		}
		s.auditTool("engine_control", start, retErr, auditParams(params))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "engine_control"); err != nil {
		return nil, EngineControlOutput{}, err
	}

	values := control.Values{
		Run:          args.Run,
		Pause:        args.Pause,
		LogEnable:    args.LogEnable,
		RecordEnable: args.RecordEnable,
	}
	if values.Empty() {
		return nil, EngineControlOutput{}, fmt.Errorf("at least one of run, pause, log_enable or record_enable is required")
	}

	status, err := s.call(ctx, wire.QueryControl, values)
	if err != nil {
		return nil, EngineControlOutput{}, err
	}
	return nil, EngineControlOutput{
		Status:  status,
		Message: fmt.Sprintf("run=%v pause=%v", status["run"], status["pause"]),
	}, nil
}

func (s *Server) handleEngineDeploy(ctx context.Context, req *sdk.CallToolRequest, args EngineDeployInput) (_ *sdk.CallToolResult, _ EngineDeployOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("engine_deploy", start, retErr, auditParams(map[string]any{
			"model": args.Model, "deployment": args.Deployment, "engine": args.Engine,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "engine_deploy"); err != nil {
		return nil, EngineDeployOutput{}, err
	}

	if args.Model == "" {
		return nil, EngineDeployOutput{}, fmt.Errorf("'model' parameter is required")
	}
	if args.Deployment == "" {
		return nil, EngineDeployOutput{}, fmt.Errorf("'deployment' parameter is required")
	}

	engine := args.Engine
	if engine == "" {
		cfgs, err := s.call(ctx, wire.QueryConfigurations, nil)
		if err != nil {
			return nil, EngineDeployOutput{}, fmt.Errorf("resolving engine name: %w", err)
		}
		engine, _ = cfgs["engine"].(string)
		if engine == "" {
			return nil, EngineDeployOutput{}, fmt.Errorf("engine did not report its name")
		}
	}

	status, err := s.call(ctx, wire.QueryDeploy, control.Deployment{
		Model:      args.Model,
		Deployment: args.Deployment,
		Engine:     engine,
	})
	if err != nil {
		return nil, EngineDeployOutput{}, err
	}
	return nil, EngineDeployOutput{
		Status:  status,
		Message: fmt.Sprintf("deployed %s/%s on %s (%v neurons)", args.Model, args.Deployment, engine, status["neurons"]),
	}, nil
}

func (s *Server) handlePartitionMap(ctx context.Context, req *sdk.CallToolRequest, args PartitionMapInput) (_ *sdk.CallToolResult, _ PartitionMapOutput, retErr error) {
	start := time.Now()
	defer func() {
		params := map[string]any{}
		if args.Index != nil {
			params["index"] = *args.Index
		}
		s.auditTool("partition_map", start, retErr, auditParams(params))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "partition_map"); err != nil {
		return nil, PartitionMapOutput{}, err
	}

	cfgs, err := s.call(ctx, wire.QueryConfigurations, nil)
	if err != nil {
		return nil, PartitionMapOutput{}, err
	}

	out := PartitionMapOutput{}
	out.Model, _ = cfgs["model"].(string)
	out.Deployment, _ = cfgs["deployment"].(string)
	out.Entries, err = decodePartitions(cfgs["partitions"])
	if err != nil {
		return nil, PartitionMapOutput{}, err
	}
	for _, e := range out.Entries {
		out.TotalNeurons += e.Length
	}

	if args.Index != nil {
		located, ok := locate(out.Entries, *args.Index)
		if !ok {
			return nil, PartitionMapOutput{}, fmt.Errorf("index %d is outside the map (%d neurons)", *args.Index, out.TotalNeurons)
		}
		out.Located = &located
	}
	return nil, out, nil
}

// decodePartitions reads the "partitions" member of a configurations report.
func decodePartitions(raw any) ([]PartitionEntry, error) {
	if raw == nil {
		return []PartitionEntry{}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding partitions: %w", err)
	}
	var entries []PartitionEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding partitions: %w", err)
	}
	for i := range entries {
		entries[i].Expansion = i
	}
	return entries, nil
}

// locate finds the entry holding global index g. Entries are contiguous and
// ordered by offset.
func locate(entries []PartitionEntry, g uint64) (PartitionEntry, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Offset+entries[i].Length > g
	})
	if i == len(entries) || entries[i].Offset > g {
		return PartitionEntry{}, false
	}
	return entries[i], true
}
