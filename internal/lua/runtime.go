// Package lua runs pipeline steps from per-project Lua scripts.
package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/orchestrator"
)

// ScriptDir is where a project keeps its step scripts, relative to its root.
var ScriptDir = filepath.Join(".levelup", "steps")

// PauseSource reports whether a pause was requested for a run.
type PauseSource interface {
	IsPauseRequested(ctx context.Context, runID string) (bool, error)
}

// Executor runs <project>/.levelup/steps/<step>.lua. The script defines
// step(ctx); a step without a script passes through.
type Executor struct {
	step   models.Step
	agent  Agent
	pauses PauseSource
	logger *zap.Logger
}

func NewExecutor(step models.Step, agent Agent, pauses PauseSource, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{step: step, agent: agent, pauses: pauses, logger: logger}
}

// Executors returns a script executor for every pipeline step.
func Executors(agent Agent, pauses PauseSource, logger *zap.Logger) map[models.Step]orchestrator.Executor {
	out := make(map[models.Step]orchestrator.Executor, len(models.Pipeline))
	for _, step := range models.Pipeline {
		out[step] = NewExecutor(step, agent, pauses, logger)
	}
	return out
}

func ScriptPath(projectPath string, step models.Step) string {
	return filepath.Join(projectPath, ScriptDir, string(step)+".lua")
}

func (e *Executor) Execute(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
	path := ScriptPath(pc.ProjectPath, e.step)
	script, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		e.logger.Debug("no step script", zap.String("run_id", pc.RunID), zap.String("step", string(e.step)))
		return models.StepUsage{}, nil
	}
	if err != nil {
		return models.StepUsage{}, fmt.Errorf("failed to read script: %w", err)
	}

	if e.step == models.StepSecurity {
		pc.SecurityFindings = nil
		pc.RequiresCodingRework = false
		pc.SecurityFeedback = ""
	}

	r := &invocation{
		ctx:    ctx,
		step:   e.step,
		pc:     pc,
		agent:  e.agent,
		pauses: e.pauses,
		logger: e.logger.With(zap.String("run_id", pc.RunID), zap.String("step", string(e.step))),
	}
	return r.run(path, string(script))
}

// invocation is the state of one script invocation.
type invocation struct {
	ctx    context.Context
	step   models.Step
	pc     *models.PipelineContext
	agent  Agent
	pauses PauseSource
	logger *zap.Logger

	usage      models.StepUsage
	failReason string
	failed     bool
	paused     bool
}

func (r *invocation) run(name, script string) (models.StepUsage, error) {
	started := time.Now()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(r.ctx)

	openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(script); err != nil {
		return r.usage, fmt.Errorf("failed to load %s: %w", filepath.Base(name), err)
	}

	fn, ok := L.GetGlobal("step").(*lua.LFunction)
	if !ok {
		return r.usage, fmt.Errorf("%s must define a 'step' function", filepath.Base(name))
	}

	L.Push(fn)
	L.Push(r.contextTable(L))
	err := L.PCall(1, 1, nil)

	switch {
	case r.paused:
		return r.usage, orchestrator.ErrPaused
	case r.failed:
		return r.usage, errors.New(r.failReason)
	case err != nil:
		if r.ctx.Err() != nil {
			return r.usage, r.ctx.Err()
		}
		return r.usage, fmt.Errorf("script error: %w", err)
	}

	if out := L.Get(-1); out != lua.LNil {
		r.pc.Outputs[r.step] = out.String()
	}
	L.Pop(1)

	if r.usage.DurationMS == 0 {
		r.usage.DurationMS = float64(time.Since(started).Milliseconds())
	}
	return r.usage, nil
}

// openSafeLibs loads base, table, string and math without anything that
// reaches the filesystem or loads code.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (r *invocation) registerAPI(L *lua.LState) {
	L.SetGlobal("log", L.NewFunction(r.luaLog))
	L.SetGlobal("fail", L.NewFunction(r.luaFail))
	L.SetGlobal("set_project", L.NewFunction(r.luaSetProject))
	L.SetGlobal("usage", L.NewFunction(r.luaUsage))
	L.SetGlobal("finding", L.NewFunction(r.luaFinding))
	L.SetGlobal("request_rework", L.NewFunction(r.luaRequestRework))
	L.SetGlobal("pause_requested", L.NewFunction(r.luaPauseRequested))
	L.SetGlobal("pause", L.NewFunction(r.luaPause))
	L.SetGlobal("agent", L.NewFunction(r.luaAgent))
}

func (r *invocation) contextTable(L *lua.LState) *lua.LTable {
	pc := r.pc
	tbl := L.NewTable()
	L.SetField(tbl, "run_id", lua.LString(pc.RunID))
	L.SetField(tbl, "step", lua.LString(r.step))
	L.SetField(tbl, "title", lua.LString(pc.Task.Title))
	L.SetField(tbl, "description", lua.LString(pc.Task.Description))
	L.SetField(tbl, "project_path", lua.LString(pc.ProjectPath))
	L.SetField(tbl, "work_dir", lua.LString(pc.EffectivePath()))
	L.SetField(tbl, "branch", lua.LString(pc.BranchName))
	L.SetField(tbl, "language", lua.LString(pc.Language))
	L.SetField(tbl, "framework", lua.LString(pc.Framework))
	L.SetField(tbl, "test_runner", lua.LString(pc.TestRunner))
	L.SetField(tbl, "test_command", lua.LString(pc.TestCommand))
	L.SetField(tbl, "model", lua.LString(pc.Options.Model))
	L.SetField(tbl, "effort", lua.LString(pc.Options.Effort))
	L.SetField(tbl, "revision_feedback", lua.LString(pc.RevisionFeedback))
	L.SetField(tbl, "rework_feedback", lua.LString(pc.ReworkFeedback))
	L.SetField(tbl, "security_reworks", lua.LNumber(pc.SecurityReworks))

	outputs := L.NewTable()
	for step, out := range pc.Outputs {
		L.SetField(outputs, string(step), lua.LString(out))
	}
	L.SetField(tbl, "outputs", outputs)
	return tbl
}

// luaLog implements log(message)
func (r *invocation) luaLog(L *lua.LState) int {
	r.logger.Info(L.CheckString(1))
	return 0
}

// luaFail implements fail(reason); the step fails with reason.
func (r *invocation) luaFail(L *lua.LState) int {
	r.failReason = L.OptString(1, "step failed")
	r.failed = true
	L.RaiseError("fail: %s", r.failReason)
	return 0
}

// luaSetProject implements set_project(language, framework, test_runner, test_command?)
func (r *invocation) luaSetProject(L *lua.LState) int {
	r.pc.Language = L.OptString(1, r.pc.Language)
	r.pc.Framework = L.OptString(2, r.pc.Framework)
	r.pc.TestRunner = L.OptString(3, r.pc.TestRunner)
	r.pc.TestCommand = L.OptString(4, r.pc.TestCommand)
	return 0
}

// luaUsage implements usage{cost_usd=, input_tokens=, output_tokens=, num_turns=, duration_ms=}
func (r *invocation) luaUsage(L *lua.LState) int {
	tbl := L.CheckTable(1)
	r.usage = r.usage.Add(models.StepUsage{
		CostUSD:      float64(lua.LVAsNumber(tbl.RawGetString("cost_usd"))),
		InputTokens:  int64(lua.LVAsNumber(tbl.RawGetString("input_tokens"))),
		OutputTokens: int64(lua.LVAsNumber(tbl.RawGetString("output_tokens"))),
		NumTurns:     int(lua.LVAsNumber(tbl.RawGetString("num_turns"))),
		DurationMS:   float64(lua.LVAsNumber(tbl.RawGetString("duration_ms"))),
	})
	return 0
}

// luaFinding implements finding{severity=, category=, file=, line=, description=, manual=}
func (r *invocation) luaFinding(L *lua.LState) int {
	tbl := L.CheckTable(1)
	r.pc.SecurityFindings = append(r.pc.SecurityFindings, models.SecurityFinding{
		Severity:          lua.LVAsString(tbl.RawGetString("severity")),
		Category:          lua.LVAsString(tbl.RawGetString("category")),
		File:              lua.LVAsString(tbl.RawGetString("file")),
		Line:              int(lua.LVAsNumber(tbl.RawGetString("line"))),
		Description:       lua.LVAsString(tbl.RawGetString("description")),
		RequiresManualFix: lua.LVAsBool(tbl.RawGetString("manual")),
	})
	return 0
}

// luaRequestRework implements request_rework(feedback) for the security step.
func (r *invocation) luaRequestRework(L *lua.LState) int {
	if r.step != models.StepSecurity {
		L.RaiseError("request_rework is only available to the security step")
		return 0
	}
	r.pc.RequiresCodingRework = true
	r.pc.SecurityFeedback = L.OptString(1, "")
	return 0
}

// luaPauseRequested implements pause_requested()
func (r *invocation) luaPauseRequested(L *lua.LState) int {
	if r.pauses == nil {
		L.Push(lua.LFalse)
		return 1
	}
	paused, err := r.pauses.IsPauseRequested(r.ctx, r.pc.RunID)
	if err != nil {
		r.logger.Warn("failed to read pause flag", zap.Error(err))
	}
	L.Push(lua.LBool(paused))
	return 1
}

// luaPause implements pause(); the step stops and runs again on resume.
func (r *invocation) luaPause(L *lua.LState) int {
	r.paused = true
	L.RaiseError("paused")
	return 0
}

// luaAgent implements agent(prompt, opts?) and returns
// {text=, session_id=, cost_usd=, input_tokens=, output_tokens=, num_turns=}.
// Usage is added to the step automatically.
func (r *invocation) luaAgent(L *lua.LState) int {
	prompt := L.CheckString(1)
	if r.agent == nil {
		L.RaiseError("no agent configured")
		return 0
	}

	opts := AgentOptions{Model: r.pc.Options.Model}
	if tbl, ok := L.Get(2).(*lua.LTable); ok {
		if s := lua.LVAsString(tbl.RawGetString("system_prompt")); s != "" {
			opts.SystemPrompt = s
		}
		if s := lua.LVAsString(tbl.RawGetString("model")); s != "" {
			opts.Model = s
		}
		if tools, ok := tbl.RawGetString("allowed_tools").(*lua.LTable); ok {
			tools.ForEach(func(_, v lua.LValue) {
				opts.AllowedTools = append(opts.AllowedTools, v.String())
			})
		}
	}

	res, err := r.agent.Run(r.ctx, r.pc.EffectivePath(), prompt, opts)
	if err != nil {
		L.RaiseError("agent: %v", err)
		return 0
	}

	in, out := res.Tokens()
	r.usage = r.usage.Add(models.StepUsage{
		CostUSD:      res.Cost(),
		InputTokens:  in,
		OutputTokens: out,
		DurationMS:   res.DurationMS,
		NumTurns:     res.NumTurns,
	})

	tbl := L.NewTable()
	L.SetField(tbl, "text", lua.LString(res.Text))
	L.SetField(tbl, "session_id", lua.LString(res.SessionID))
	L.SetField(tbl, "cost_usd", lua.LNumber(res.Cost()))
	L.SetField(tbl, "input_tokens", lua.LNumber(in))
	L.SetField(tbl, "output_tokens", lua.LNumber(out))
	L.SetField(tbl, "num_turns", lua.LNumber(res.NumTurns))
	L.Push(tbl)
	return 1
}
