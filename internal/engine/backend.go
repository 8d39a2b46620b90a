package engine

import (
	"fmt"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/control"
)

// SettingTickPeriod changes the tick period, in milliseconds.
const SettingTickPeriod = "tickperiod"

func (e *Engine) FullStatus() map[string]any {
	status := e.DynamicStatus()
	status["engine"] = e.cfg.Name
	status["logenable"] = e.ctx.LogEnabled()
	status["recordenable"] = e.ctx.RecordEnabled()
	status["tickperiod"] = e.ctx.TickPeriod().Milliseconds()
	status["pendinginput"] = e.input.Pending()

	e.mu.Lock()
	if e.pkg != nil {
		status["model"] = e.deployment.Model
		status["deployment"] = e.deployment.Deployment
		status["neurons"] = e.pkg.NeuronCount
		status["localneurons"] = e.pkg.LocalNeurons()
		status["expansions"] = e.pmap.Len()
		status["interconnects"] = len(e.senders)
	}
	conns := make(map[string]int, len(e.services))
	for _, s := range e.services {
		conns[s.name] = s.svc.Connections()
	}
	e.mu.Unlock()

	status["connections"] = conns
	return status
}

func (e *Engine) DynamicStatus() map[string]any {
	return map[string]any{
		"run":        e.ctx.Running(),
		"pause":      e.ctx.Paused(),
		"iterations": e.ctx.Iterations(),
		"totalwork":  e.ctx.TotalWork(),
	}
}

func (e *Engine) RunMeasurements() map[string]any {
	return map[string]any{
		"iterations": e.ctx.Iterations(),
		"totalwork":  e.ctx.TotalWork(),
		"tickperiod": e.ctx.TickPeriod().Milliseconds(),
		"lasttickus": e.ctx.LastTickDuration().Microseconds(),
	}
}

// Configurations reports the deployment and its partition layout.
func (e *Engine) Configurations() map[string]any {
	e.mu.Lock()
	d := e.deployment
	e.mu.Unlock()

	entries := e.pmap.Entries()
	partitions := make([]map[string]any, len(entries))
	for i, entry := range entries {
		partitions[i] = map[string]any{
			"engine": entry.EngineName,
			"offset": entry.Offset,
			"length": entry.Length,
		}
	}
	return map[string]any{
		"engine":      e.cfg.Name,
		"model":       d.Model,
		"deployment":  d.Deployment,
		"initializer": e.cfg.InitializerName,
		"settings":    e.ctx.Settings(),
		"partitions":  partitions,
	}
}

// ApplySettings stores every pair; recognized keys also take effect.
func (e *Engine) ApplySettings(settings []control.Setting) error {
	for _, s := range settings {
		if s.Key == SettingTickPeriod {
			ms, ok := s.Value.(float64)
			if !ok || ms <= 0 {
				return fmt.Errorf("%s must be a positive number of milliseconds, got %v", s.Key, s.Value)
			}
			e.ctx.SetTickPeriod(time.Duration(ms * float64(time.Millisecond)))
		}
		e.ctx.SetSetting(s.Key, s.Value)
	}
	return nil
}

// Control applies run flags. run:true also clears pause.
func (e *Engine) Control(v control.Values) error {
	if v.Run != nil {
		e.ctx.SetRunning(*v.Run)
		if *v.Run {
			e.ctx.SetPaused(false)
		}
	}
	if v.Pause != nil {
		e.ctx.SetPaused(*v.Pause)
	}
	if v.LogEnable != nil {
		e.ctx.SetLogEnabled(*v.LogEnable)
	}
	if v.RecordEnable != nil {
		e.ctx.SetRecordEnabled(*v.RecordEnable)
	}
	e.logger.Info("control applied",
		"run", e.ctx.Running(),
		"pause", e.ctx.Paused(),
		"logenable", e.ctx.LogEnabled(),
		"recordenable", e.ctx.RecordEnabled())
	return nil
}
