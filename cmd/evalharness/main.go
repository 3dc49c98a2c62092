// Command evalharness is the thin CLI wrapper around the orchestrator
// core: it loads a run spec, discovers or resumes a run's tasks, and
// drives them through the scheduler to completion.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/evalharness/internal/config"
	"github.com/codeready-toolchain/evalharness/internal/ingest"
	"github.com/codeready-toolchain/evalharness/internal/ingressapi"
	"github.com/codeready-toolchain/evalharness/internal/ipc"
	"github.com/codeready-toolchain/evalharness/internal/scheduler"
	"github.com/codeready-toolchain/evalharness/internal/session"
	"github.com/codeready-toolchain/evalharness/internal/store"
	"github.com/codeready-toolchain/evalharness/internal/supervisor"
	"github.com/codeready-toolchain/evalharness/internal/taskcontext"
	"github.com/codeready-toolchain/evalharness/internal/telemetry"
	"github.com/codeready-toolchain/evalharness/internal/version"
	"github.com/codeready-toolchain/evalharness/internal/workspace"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("RUN_SPEC_PATH", "./deploy/config/run.toml"), "path to the run spec TOML file")
	runID := flag.Int64("run-id", 0, "resume this existing run instead of creating a new one")
	model := flag.String("model", "", "override the run spec's model")
	include := flag.String("include", "", "comma-separated exercise names to include (overrides run spec)")
	exclude := flag.String("exclude", "", "comma-separated exercise names to exclude (overrides run spec)")
	exercise := flag.String("exercise", "", "restrict the run to a single exercise")
	concurrent := flag.Int("concurrent", 0, "override the run spec's concurrency")
	description := flag.String("description", "", "override the run spec's description")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(log)
	log.Info("starting evalharness", "version", version.Full())

	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		log.Info("loaded environment file", "path", envPath)
	}

	if err := run(*configPath, *runID, *model, *include, *exclude, *exercise, *concurrent, *description, log); err != nil {
		log.Error("evalharness: fatal error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, runIDFlag int64, modelOverride, includeOverride, excludeOverride, exerciseOverride string, concurrentOverride int, descriptionOverride string, log *slog.Logger) error {
	spec, err := config.LoadRunSpec(configPath)
	if err != nil {
		return fmt.Errorf("load run spec: %w", err)
	}
	applyOverrides(spec, modelOverride, includeOverride, excludeOverride, exerciseOverride, concurrentOverride, descriptionOverride)

	dbCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load database config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewStore(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("closing store", "error", err)
		}
	}()

	if override := os.Getenv("EVALHARNESS_SOCKET_PATH"); override != "" {
		spec.SocketPath = override
	}
	if override := os.Getenv("EVALHARNESS_AGENT_COMMAND"); override != "" {
		spec.AgentCommand = override
	}

	runIDVal, tasks, err := resolveRun(ctx, st, spec, runIDFlag, log)
	if err != nil {
		return fmt.Errorf("resolve run: %w", err)
	}
	if len(tasks) == 0 {
		log.Info("no outstanding tasks; nothing to do", "run_id", runIDVal)
		return nil
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{ServiceName: version.AppName}, log)
	if err != nil {
		return fmt.Errorf("start telemetry provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error("shutting down telemetry provider", "error", err)
		}
	}()

	reg := taskcontext.NewRegistry()
	ingestor := ingest.New(reg, st, spec.AllowedMCPServers, log)

	ln, err := ipc.Listen(spec.SocketPath, log)
	if err != nil {
		return fmt.Errorf("listen on ipc socket %s: %w", spec.SocketPath, err)
	}
	defer func() { _ = ln.Close() }()

	otlpLn, otlpPort, err := listenFreeTCPPort(spec.OTLPBasePort)
	if err != nil {
		return fmt.Errorf("bind otlp ingress port starting at %d: %w", spec.OTLPBasePort, err)
	}
	otlpAddr := fmt.Sprintf(":%d", otlpPort)
	httpServer := &http.Server{Handler: ingressapi.NewRouter(ingestor, st, log)}
	go func() {
		if err := httpServer.Serve(otlpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("otlp ingress server stopped unexpectedly", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("shutting down otlp ingress server", "error", err)
		}
	}()
	log.Info("otlp ingress listening", "addr", otlpAddr)

	sessionCfg := session.Config{
		HandshakeTimeout:      spec.HandshakeTimeout,
		TaskTimeout:           spec.TaskTimeout,
		CancelGrace:           spec.CancelGracePeriod,
		TestCommandTimeout:    spec.TestCommandTimeout,
		DisableEmptyBenchmark: spec.DisableEmptyBenchmark,
	}

	jobs := make([]scheduler.Job, 0, len(tasks))
	for _, t := range tasks {
		jobs = append(jobs, newTaskJob(runIDVal, t, spec, sessionCfg, st, reg, ingestor, ln, otlpAddr, log))
	}

	log.Info("scheduling tasks", "run_id", runIDVal, "count", len(jobs), "concurrency", spec.Concurrency)
	scheduler.Schedule(ctx, jobs, scheduler.Config{Concurrency: spec.Concurrency, Stagger: spec.InterStartDelay}, log)

	agg, err := st.AggregateRun(ctx, runIDVal)
	if err != nil {
		return fmt.Errorf("aggregate run %d: %w", runIDVal, err)
	}
	log.Info("run finalized", "run_id", runIDVal, "passed", agg.Passed, "failed", agg.Failed)
	return nil
}

// maxPortProbeAttempts bounds how far listenFreeTCPPort walks forward
// from the configured base before giving up.
const maxPortProbeAttempts = 100

// listenFreeTCPPort binds the first available TCP port at or after base,
// returning the listener and the port it bound.
func listenFreeTCPPort(base int) (net.Listener, int, error) {
	var lastErr error
	for port := base; port < base+maxPortProbeAttempts; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port found in [%d, %d): %w", base, base+maxPortProbeAttempts, lastErr)
}

func applyOverrides(spec *config.RunSpec, model, include, exclude, exercise string, concurrent int, description string) {
	if model != "" {
		spec.Model = model
	}
	if include != "" {
		spec.Include = strings.Split(include, ",")
	}
	if exclude != "" {
		spec.Exclude = strings.Split(exclude, ",")
	}
	if exercise != "" {
		spec.Exercise = exercise
	}
	if concurrent > 0 {
		spec.Concurrency = concurrent
	}
	if description != "" {
		spec.Description = description
	}
}

// resolveRun either resumes an existing run (returning its outstanding
// tasks only) or creates a fresh one by discovering exercises under
// spec.ExercisesRoot.
func resolveRun(ctx context.Context, st *store.Store, spec *config.RunSpec, runIDFlag int64, log *slog.Logger) (int64, []store.OutstandingTask, error) {
	if runIDFlag > 0 {
		existingSpec, outstanding, err := st.ListExistingRun(ctx, runIDFlag)
		if err != nil {
			return 0, nil, err
		}
		log.Info("resuming run", "run_id", runIDFlag, "outstanding_tasks", len(outstanding), "model", existingSpec.Model)
		return runIDFlag, outstanding, nil
	}

	discovered, err := discoverTasks(spec.ExercisesRoot, spec.Include, spec.Exclude, spec.Exercise)
	if err != nil {
		return 0, nil, fmt.Errorf("discover exercises under %s: %w", spec.ExercisesRoot, err)
	}
	if len(discovered) == 0 {
		return 0, nil, fmt.Errorf("no exercises matched include=%v exclude=%v exercise=%q under %s", spec.Include, spec.Exclude, spec.Exercise, spec.ExercisesRoot)
	}

	newRunID, err := st.CreateRun(ctx, store.RunSpec{
		Model:       spec.Model,
		Concurrency: spec.Concurrency,
		SocketPath:  spec.SocketPath,
		Settings:    spec.SettingsJSON,
	})
	if err != nil {
		return 0, nil, err
	}

	outstanding := make([]store.OutstandingTask, 0, len(discovered))
	for _, d := range discovered {
		taskID, err := st.CreateTask(ctx, newRunID, string(d.Language), d.Exercise)
		if err != nil {
			return 0, nil, fmt.Errorf("create task %s/%s: %w", d.Language, d.Exercise, err)
		}
		outstanding = append(outstanding, store.OutstandingTask{TaskID: taskID, Language: string(d.Language), Exercise: d.Exercise})
	}
	log.Info("created run", "run_id", newRunID, "tasks", len(outstanding), "description", spec.Description)
	return newRunID, outstanding, nil
}

// discoverTasks walks {root}/{language}/{exercise} directories. include,
// if non-empty, restricts to those exercise names; exclude drops any
// matching name; exerciseFilter, if set, further restricts to that one
// exercise name across every language.
func discoverTasks(root string, include, exclude []string, exerciseFilter string) ([]config.ExerciseTask, error) {
	languages := []config.Language{
		config.LanguageGo, config.LanguageJava, config.LanguageJavaScript,
		config.LanguagePython, config.LanguageRust,
	}
	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var tasks []config.ExerciseTask
	for _, lang := range languages {
		langDir := filepath.Join(root, string(lang))
		entries, err := os.ReadDir(langDir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", langDir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := e.Name()
			if exerciseFilter != "" && name != exerciseFilter {
				continue
			}
			if len(includeSet) > 0 {
				if _, ok := includeSet[name]; !ok {
					continue
				}
			}
			if _, ok := excludeSet[name]; ok {
				continue
			}
			tasks = append(tasks, config.ExerciseTask{Language: lang, Exercise: name})
		}
	}
	return tasks, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, i := range items {
		if i != "" {
			set[i] = struct{}{}
		}
	}
	return set
}

// agentCmdVars is the data made available to RunSpec.AgentCommand as a
// text/template string.
type agentCmdVars struct {
	SocketPath   string
	OTLPEndpoint string
	RunID        int64
	TaskID       int64
	Language     string
	Exercise     string
}

func renderAgentCommand(tmpl string, vars agentCmdVars) ([]string, error) {
	t, err := template.New("agent_command").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse agent command template: %w", err)
	}
	var buf strings.Builder
	if err := t.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("render agent command template: %w", err)
	}
	args := strings.Fields(buf.String())
	if len(args) == 0 {
		return nil, fmt.Errorf("agent command template rendered to an empty command")
	}
	return args, nil
}

// taskJob adapts one task into a scheduler.Job: prepare its workspace,
// drive it to completion, then commit whatever was left behind. The
// commit happens regardless of pass/fail.
type taskJob struct {
	runID   int64
	task    store.OutstandingTask
	spec    *config.RunSpec
	store   *store.Store
	driver  *session.Driver
	workDir string
	log     *slog.Logger
}

func newTaskJob(runID int64, task store.OutstandingTask, spec *config.RunSpec, sessionCfg session.Config,
	st *store.Store, reg *taskcontext.Registry, ingestor *ingest.Ingestor, ln *ipc.Listener, otlpAddr string, log *slog.Logger) *taskJob {

	workDir := filepath.Join(spec.ExercisesRoot, task.Language, task.Exercise)

	driverTask := session.Task{
		TaskID:       task.TaskID,
		RunID:        runID,
		Language:     task.Language,
		Exercise:     task.Exercise,
		Prompt:       exercisePrompt(workDir, task.Language, task.Exercise),
		Workspace:    workDir,
		MCPServer:    firstOrEmpty(spec.AllowedMCPServers),
		UserIntent:   fmt.Sprintf("%s/%s", task.Language, task.Exercise),
		OTLPEndpoint: "http://localhost" + otlpAddr + "/v1/traces",
		Settings:     spec.SettingsJSON,
	}

	accept := func(ctx context.Context) (session.Transport, error) {
		type result struct {
			s   *ipc.Session
			err error
		}
		ch := make(chan result, 1)
		go func() {
			s, err := ln.Accept()
			ch <- result{s, err}
		}()
		select {
		case r := <-ch:
			if r.err != nil {
				return nil, r.err
			}
			return r.s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	spawn := func() (session.Agent, error) {
		args, err := renderAgentCommand(spec.AgentCommand, agentCmdVars{
			SocketPath:   spec.SocketPath,
			OTLPEndpoint: driverTask.OTLPEndpoint,
			RunID:        runID,
			TaskID:       task.TaskID,
			Language:     task.Language,
			Exercise:     task.Exercise,
		})
		if err != nil {
			return nil, err
		}
		return supervisor.Run(supervisor.Spec{Command: args, Dir: workDir})
	}

	driver := session.New(driverTask, sessionCfg, st, reg, ingestor, accept, spawn, log)

	return &taskJob{runID: runID, task: task, spec: spec, store: st, driver: driver, workDir: workDir, log: log}
}

func (j *taskJob) Run(ctx context.Context) {
	ws, err := workspace.Prepare(ctx, j.workDir, j.runID, j.spec.BaseRef)
	if err != nil {
		j.log.Error("workspace prepare failed; marking task failed", "task_id", j.task.TaskID, "error", err)
		if ferr := j.store.FinishTask(context.Background(), j.task.TaskID, false, store.TaskMetrics{}); ferr != nil {
			j.log.Error("finish task after workspace prepare failure", "task_id", j.task.TaskID, "error", ferr)
		}
		return
	}

	j.driver.Run(ctx)

	if err := ws.Commit(context.Background(), j.runID); err != nil {
		j.log.Error("workspace commit failed", "task_id", j.task.TaskID, "error", err)
	}
}

func firstOrEmpty(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}

// exercisePrompt builds the StartNewTask text for one exercise. An
// exercise may carry a .roo/system-prompt-code file; when present its
// contents are forwarded to the agent ahead of the standard instruction.
func exercisePrompt(workDir, language, exercise string) string {
	instruction := fmt.Sprintf("Solve the %s exercise in %s.", exercise, language)
	data, err := os.ReadFile(filepath.Join(workDir, ".roo", "system-prompt-code"))
	if err != nil {
		return instruction
	}
	return strings.TrimSpace(string(data)) + "\n\n" + instruction
}
