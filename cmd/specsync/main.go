package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/specsync/internal/conflict"
	"github.com/msageha/specsync/internal/engine"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/queue"
	"github.com/msageha/specsync/internal/rpc"
	"github.com/msageha/specsync/internal/setup"
	"github.com/msageha/specsync/internal/store"
	"github.com/msageha/specsync/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "run":
		runEngine(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "conflicts":
		runConflicts(os.Args[2:])
	case "resolve":
		runResolve(os.Args[2:])
	case "retry":
		runRetry(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "version":
		fmt.Printf("specsync %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	if err := setup.Run(dir); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized %s\n", filepath.Join(dir, setup.DataDirName))
}

func runEngine(args []string) {
	dataDir := findDataDir(args)
	cfg := loadConfig(dataDir)

	e, err := engine.New(dataDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create engine: %v\n", err)
		os.Exit(1)
	}
	if err := e.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func runStop(args []string) {
	dataDir := findDataDir(args)
	c := engineClient(dataDir)
	if c == nil {
		fmt.Fprintln(os.Stderr, "stop: no engine is running")
		os.Exit(1)
	}
	engineCall(c, "shutdown", nil)
	fmt.Println("engine shutting down")
}

func runEnqueue(args []string) {
	var kindStr, spec, name, description, content, contentFile string
	var title, story, task, taskStatus, priorityStr, dataDirFlag string
	var criteria []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--data-dir":
			i = need(args, i, &dataDirFlag)
		case "--kind":
			i = need(args, i, &kindStr)
		case "--spec":
			i = need(args, i, &spec)
		case "--name":
			i = need(args, i, &name)
		case "--description":
			i = need(args, i, &description)
		case "--content":
			i = need(args, i, &content)
		case "--content-file":
			i = need(args, i, &contentFile)
		case "--title":
			i = need(args, i, &title)
		case "--story":
			i = need(args, i, &story)
		case "--task":
			i = need(args, i, &task)
		case "--task-status":
			i = need(args, i, &taskStatus)
		case "--priority":
			i = need(args, i, &priorityStr)
		case "--criteria":
			var joined string
			i = need(args, i, &joined)
			criteria = splitList(joined)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}

	if kindStr == "" {
		fmt.Fprintln(os.Stderr, "usage: specsync enqueue --kind <kind> [options]")
		os.Exit(1)
	}
	if contentFile != "" {
		data, err := os.ReadFile(contentFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", contentFile, err)
			os.Exit(1)
		}
		content = string(data)
	}

	kind := model.Kind(kindStr)
	params, err := buildParams(kind, paramInput{
		spec:        spec,
		name:        name,
		description: description,
		content:     content,
		title:       title,
		story:       story,
		criteria:    criteria,
		task:        task,
		taskStatus:  taskStatus,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}

	priority := model.PriorityNormal
	if priorityStr != "" {
		priority = model.ParsePriority(priorityStr)
	}

	dataDir := dataDirFlag
	if dataDir == "" {
		dataDir = findDataDir(nil)
	}

	// A running engine dispatches immediately; otherwise the operation
	// is written to the queue file and picked up on the next run.
	if c := engineClient(dataDir); c != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		data := engineCall(c, "enqueue", engine.EnqueueRequest{
			Kind: kind, Priority: priorityStr, Params: raw,
		})
		var op model.Operation
		decodeJSON(data, &op)
		fmt.Printf("enqueued %s kind=%s priority=%s\n", op.ID, op.Kind, op.Priority)
		return
	}

	cfg := loadConfig(dataDir)
	q, path := loadQueue(dataDir, cfg)

	op, err := q.Enqueue(kind, params, priority, model.SourceClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
	saveQueue(path, q)
	fmt.Printf("enqueued %s kind=%s priority=%s\n", op.ID, op.Kind, op.Priority)
}

func runQueue(args []string) {
	asJSON := hasFlag(args, "--json")
	dataDir := findDataDir(args)

	var ops []model.Operation
	if c := engineClient(dataDir); c != nil {
		decodeJSON(engineCall(c, "queue", nil), &ops)
	} else {
		cfg := loadConfig(dataDir)
		q, _ := loadQueue(dataDir, cfg)
		ops = q.List()
	}

	if asJSON {
		printJSON(ops)
		return
	}
	if len(ops) == 0 {
		fmt.Println("queue is empty")
		return
	}
	fmt.Printf("%-32s %-20s %-16s %-12s %-8s %s\n", "ID", "KIND", "SPEC", "STATUS", "RETRIES", "CREATED")
	for _, op := range ops {
		spec := op.SpecID()
		if spec == "" {
			spec = "-"
		}
		fmt.Printf("%-32s %-20s %-16s %-12s %d/%-6d %s\n",
			op.ID, op.Kind, spec, op.Status, op.RetryCount, op.MaxRetries,
			op.CreatedAt.Local().Format(time.RFC3339))
		if op.Error != "" {
			fmt.Printf("  error: %s\n", op.Error)
		}
	}
}

func runStatus(args []string) {
	asJSON := hasFlag(args, "--json")
	dataDir := findDataDir(args)

	if c := engineClient(dataDir); c != nil {
		data := engineCall(c, "status", nil)
		if asJSON {
			printJSON(data)
			return
		}
		var st struct {
			Sync       model.SyncState      `json:"sync"`
			Connection rpc.ConnectionStatus `json:"connection"`
			Conflicts  int                  `json:"conflicts"`
		}
		decodeJSON(data, &st)
		server := "offline"
		if st.Sync.ServerOnline {
			server = "online"
		}
		fmt.Printf("engine:         running\n")
		fmt.Printf("server:         %s (%s)\n", server, st.Connection.State)
		fmt.Printf("pending:        %d\n", st.Sync.PendingOperations)
		fmt.Printf("failed:         %d\n", st.Sync.FailedOperations)
		if st.Sync.CurrentSpec != "" {
			fmt.Printf("current spec:   %s\n", st.Sync.CurrentSpec)
		}
		if st.Sync.LastSync != nil {
			fmt.Printf("last sync:      %s\n", st.Sync.LastSync.Local().Format(time.RFC3339))
		}
		fmt.Printf("conflicts:      %d\n", st.Conflicts)
		return
	}

	cfg := loadConfig(dataDir)
	q, _ := loadQueue(dataDir, cfg)

	counts := q.CountByStatus()
	conflicts, err := conflict.LoadConflicts(filepath.Join(dataDir, engine.ConflictsFileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load conflicts: %v\n", err)
		os.Exit(1)
	}

	if asJSON {
		printJSON(map[string]any{
			"queue_version":    q.Version(),
			"counts":           counts,
			"active_conflicts": len(conflicts),
		})
		return
	}
	fmt.Printf("queue version:  %d\n", q.Version())
	fmt.Printf("pending:        %d\n", counts[model.StatusPending])
	fmt.Printf("in progress:    %d\n", counts[model.StatusInProgress])
	fmt.Printf("completed:      %d\n", counts[model.StatusCompleted])
	fmt.Printf("failed:         %d\n", counts[model.StatusFailed])
	fmt.Printf("cancelled:      %d\n", counts[model.StatusCancelled])
	fmt.Printf("conflicts:      %d\n", len(conflicts))
}

func runConflicts(args []string) {
	asJSON := hasFlag(args, "--json")
	dataDir := findDataDir(args)

	var conflicts []conflict.Conflict
	if c := engineClient(dataDir); c != nil {
		decodeJSON(engineCall(c, "conflicts", nil), &conflicts)
	} else {
		var err error
		conflicts, err = conflict.LoadConflicts(filepath.Join(dataDir, engine.ConflictsFileName))
		if err != nil {
			fmt.Fprintf(os.Stderr, "load conflicts: %v\n", err)
			os.Exit(1)
		}
	}
	if asJSON {
		printJSON(conflicts)
		return
	}
	if len(conflicts) == 0 {
		fmt.Println("no active conflicts")
		return
	}
	for _, c := range conflicts {
		auto := ""
		if c.AutoResolvable {
			auto = " (auto-resolvable)"
		}
		fmt.Printf("%s [%s/%s] spec=%s attempts=%d%s\n  %s\n",
			c.ID, c.Type, c.Severity, c.SpecID, c.ResolutionAttempts, auto, c.Description)
	}
}

func runResolve(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: specsync resolve <conflict-id> --strategy <last_writer_wins|accept_local|accept_remote> | --all")
		os.Exit(1)
	}
	dataDir := findDataDir(args)

	if c := engineClient(dataDir); c != nil {
		if args[0] == "--all" {
			var result struct {
				Resolved []string `json:"resolved"`
			}
			decodeJSON(engineCall(c, "resolve", map[string]bool{"all": true}), &result)
			fmt.Printf("auto-resolved %d conflict(s)\n", len(result.Resolved))
			return
		}
		id := args[0]
		strategy := ""
		for i := 1; i < len(args); i++ {
			if args[i] == "--strategy" {
				i = need(args, i, &strategy)
			}
		}
		if strategy == "" {
			fmt.Fprintln(os.Stderr, "resolve: --strategy is required")
			os.Exit(1)
		}
		engineCall(c, "resolve", map[string]string{"conflict_id": id, "strategy": strategy})
		fmt.Printf("resolved %s via %s\n", id, strategy)
		return
	}

	cfg := loadConfig(dataDir)
	q, _ := loadQueue(dataDir, cfg)

	r := conflict.NewResolver(q, nil, nil, cfg.Conflict.EscalationThreshold, nil)
	if err := r.SetPersistPath(filepath.Join(dataDir, engine.ConflictsFileName)); err != nil {
		fmt.Fprintf(os.Stderr, "load conflicts: %v\n", err)
		os.Exit(1)
	}

	if args[0] == "--all" {
		resolved := r.AutoResolveAll()
		fmt.Printf("auto-resolved %d conflict(s)\n", len(resolved))
		return
	}

	id := args[0]
	strategy := ""
	for i := 1; i < len(args); i++ {
		if args[i] == "--strategy" {
			i = need(args, i, &strategy)
		}
	}
	if strategy == "" {
		fmt.Fprintln(os.Stderr, "resolve: --strategy is required")
		os.Exit(1)
	}
	if err := r.Resolve(id, strategy); err != nil {
		fmt.Fprintf(os.Stderr, "resolve: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("resolved %s via %s\n", id, strategy)
}

func runRetry(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: specsync retry <operation-id> | --all")
		os.Exit(1)
	}
	dataDir := findDataDir(args)

	if c := engineClient(dataDir); c != nil {
		if args[0] == "--all" {
			var result struct {
				Retried []string `json:"retried"`
			}
			decodeJSON(engineCall(c, "retry", map[string]bool{"all": true}), &result)
			fmt.Printf("retried %d operation(s)\n", len(result.Retried))
			return
		}
		engineCall(c, "retry", map[string]string{"operation_id": args[0]})
		fmt.Printf("operation %s queued for retry\n", args[0])
		return
	}

	cfg := loadConfig(dataDir)
	q, path := loadQueue(dataDir, cfg)

	if args[0] == "--all" {
		retried := q.RetryFailed()
		saveQueue(path, q)
		fmt.Printf("retried %d operation(s)\n", len(retried))
		return
	}

	ok, err := q.Retry(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "retry: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "retry: operation %s has no retry budget left\n", args[0])
		os.Exit(1)
	}
	saveQueue(path, q)
	fmt.Printf("operation %s queued for retry\n", args[0])
}

func runCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: specsync cancel <operation-id>")
		os.Exit(1)
	}
	dataDir := findDataDir(args)

	if c := engineClient(dataDir); c != nil {
		engineCall(c, "cancel", map[string]string{"operation_id": args[0]})
		fmt.Printf("operation %s cancelled\n", args[0])
		return
	}

	cfg := loadConfig(dataDir)
	q, path := loadQueue(dataDir, cfg)

	if err := q.Cancel(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		os.Exit(1)
	}
	saveQueue(path, q)
	fmt.Printf("operation %s cancelled\n", args[0])
}

func runSweep(args []string) {
	dataDir := findDataDir(args)

	if c := engineClient(dataDir); c != nil {
		var result struct {
			Swept int `json:"swept"`
		}
		decodeJSON(engineCall(c, "sweep", nil), &result)
		fmt.Printf("swept %d expired operation(s)\n", result.Swept)
		return
	}

	cfg := loadConfig(dataDir)
	q, path := loadQueue(dataDir, cfg)

	n := q.Sweep(cfg.ExpiryHorizon())
	if n > 0 {
		saveQueue(path, q)
	}
	fmt.Printf("swept %d expired operation(s)\n", n)
}

type paramInput struct {
	spec        string
	name        string
	description string
	content     string
	title       string
	story       string
	criteria    []string
	task        string
	taskStatus  string
}

func buildParams(kind model.Kind, in paramInput) (model.Params, error) {
	switch kind {
	case model.KindCreateSpec:
		return &model.CreateSpecParams{Name: in.name, Spec: in.spec, Description: in.description}, nil
	case model.KindUpdateRequirements:
		return &model.UpdateRequirementsParams{Spec: in.spec, Content: in.content}, nil
	case model.KindUpdateDesign:
		return &model.UpdateDesignParams{Spec: in.spec, Content: in.content}, nil
	case model.KindUpdateTasks:
		return &model.UpdateTasksParams{Spec: in.spec, Content: in.content}, nil
	case model.KindAddUserStory:
		return &model.AddUserStoryParams{Spec: in.spec, Title: in.title, Story: in.story, AcceptanceCriteria: in.criteria}, nil
	case model.KindUpdateTaskStatus:
		return &model.UpdateTaskStatusParams{Spec: in.spec, TaskNumber: in.task, TaskStatus: model.TaskStatus(in.taskStatus)}, nil
	case model.KindDeleteSpec:
		return &model.DeleteSpecParams{Spec: in.spec}, nil
	case model.KindSetCurrentSpec:
		return &model.SetCurrentSpecParams{Spec: in.spec}, nil
	case model.KindSyncStatus:
		return &model.SyncStatusParams{}, nil
	case model.KindHeartbeat:
		return &model.HeartbeatParams{}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

// engineClient returns a control-socket client when an engine is
// running for this data dir, nil otherwise.
func engineClient(dataDir string) *uds.Client {
	c := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	if !c.Available() {
		return nil
	}
	return c
}

func engineCall(c *uds.Client, command string, params any) json.RawMessage {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "%s: %s\n", command, resp.Error.Message)
		os.Exit(1)
	}
	return resp.Data
}

func decodeJSON(data json.RawMessage, v any) {
	if err := json.Unmarshal(data, v); err != nil {
		fmt.Fprintf(os.Stderr, "decode engine response: %v\n", err)
		os.Exit(1)
	}
}

func findDataDir(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "--data-dir" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if dir := os.Getenv("SPECSYNC_DIR"); dir != "" {
		return dir
	}
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "getwd: %v\n", err)
		os.Exit(1)
	}
	dir := setup.Find(cwd)
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .specsync/ directory not found. Run 'specsync init' first.")
		os.Exit(1)
	}
	return dir
}

func loadConfig(dataDir string) model.Config {
	cfg, err := model.LoadConfig(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func loadQueue(dataDir string, cfg model.Config) (*queue.Queue, string) {
	path := filepath.Join(dataDir, engine.QueueFileName)
	doc, err := store.LoadQueueDocument(dataDir, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load queue: %v\n", err)
		os.Exit(1)
	}
	q := queue.New(cfg.Queue.MaxRetries)
	if err := q.Restore(doc); err != nil {
		fmt.Fprintf(os.Stderr, "restore queue: %v\n", err)
		os.Exit(1)
	}
	return q, path
}

func saveQueue(path string, q *queue.Queue) {
	if err := store.SaveQueueDocument(path, q.Snapshot()); err != nil {
		fmt.Fprintf(os.Stderr, "save queue: %v\n", err)
		os.Exit(1)
	}
}

func need(args []string, i int, dst *string) int {
	if i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", args[i])
		os.Exit(1)
	}
	*dst = args[i+1]
	return i + 1
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `specsync %s - operation queue sync engine

Usage: specsync <command> [options]

Project:
  init [dir]            Initialize .specsync/ directory
  run                   Run the sync engine process
  stop                  Stop a running engine

Queue:
  enqueue --kind <kind> [options]   Admit an operation
  queue [--json]                    List operations
  retry <id> | --all                Re-admit failed operations
  cancel <id>                       Cancel an operation
  sweep                             Remove expired operations

Conflicts:
  conflicts [--json]                List active conflicts
  resolve <id> --strategy <s>       Resolve a conflict
  resolve --all                     Auto-resolve where possible

Utilities:
  status [--json]       Show queue and conflict summary
  version               Print version

Common flags: --data-dir <dir> (default: nearest .specsync/, or $SPECSYNC_DIR)

Operation kinds: create_spec, update_requirements, update_design,
update_tasks, add_user_story, update_task_status, delete_spec,
set_current_spec, sync_status, heartbeat

Enqueue options: --spec, --name, --description, --content,
--content-file, --title, --story, --criteria a,b, --task,
--task-status, --priority low|normal|high|urgent
`, version)
}
