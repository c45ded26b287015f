package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/ringmaster/internal/board"
	"github.com/msageha/ringmaster/internal/daemon"
	"github.com/msageha/ringmaster/internal/model"
	"github.com/msageha/ringmaster/internal/pipeline"
	"github.com/msageha/ringmaster/internal/uds"
	yamlutil "github.com/msageha/ringmaster/internal/yaml"
	"github.com/msageha/ringmaster/templates"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "promote":
		runPromote(os.Args[2:])
	case "scan":
		runScan(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "version":
		fmt.Printf("ringmaster %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	baseDir := findBaseDir()
	if baseDir == "" {
		fmt.Fprintln(os.Stderr, "error: .ringmaster/ directory not found. Run 'ringmaster init <dir>' first.")
		os.Exit(1)
	}

	cfg, err := model.LoadConfig(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	daemon.Version = version
	d, err := daemon.New(baseDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	baseDir := filepath.Join(target, ".ringmaster")

	for _, dir := range []string{baseDir, filepath.Join(baseDir, "pipelines"), filepath.Join(baseDir, "logs"), filepath.Join(baseDir, "results")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
	}

	boardPath := filepath.Join(baseDir, board.BoardFileName)
	if _, err := os.Stat(boardPath); os.IsNotExist(err) {
		if err := yamlutil.GenerateSkeleton(boardPath, model.BoardFileType); err != nil {
			fmt.Fprintf(os.Stderr, "init board: %v\n", err)
			os.Exit(1)
		}
	}

	for src, dst := range map[string]string{
		"config.yaml":             filepath.Join(baseDir, "config.yaml"),
		"pipelines/standard.yaml": filepath.Join(baseDir, "pipelines", "standard.yaml"),
	} {
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		content, err := templates.FS.ReadFile(src)
		if err != nil {
			fmt.Fprintf(os.Stderr, "init template %s: %v\n", src, err)
			os.Exit(1)
		}
		if err := os.WriteFile(dst, content, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "init %s: %v\n", dst, err)
			os.Exit(1)
		}
	}

	absDir, _ := filepath.Abs(target)
	fmt.Printf("Initialized .ringmaster/ in %s\n", absDir)
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		if a == "--json" {
			jsonOutput = true
		}
	}

	data, err := dialDaemon().Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	if jsonOutput {
		out, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("owner: %s\n", data.Owner)
	fmt.Printf("tasks:")
	for _, s := range []string{"pending", "spawned", "merged", "failed"} {
		fmt.Printf(" %s=%d", s, data.TaskCounts[s])
	}
	fmt.Println()
	fmt.Printf("main pool: %s\n", joinOrNone(data.Scheduler.MainActive))
	fmt.Printf("fix pool:  %s\n", joinOrNone(data.Scheduler.FixActive))
	fmt.Printf("runs: %d total, %d failed, avg %dms\n",
		data.Scheduler.RunCount, data.Scheduler.FailCount, data.Scheduler.AvgRunMs)
	for id, cd := range data.Scheduler.Cooldowns {
		fmt.Printf("cooldown: %s=%d\n", id, cd)
	}
}

func runPromote(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: ringmaster promote <task-id>")
		os.Exit(1)
	}
	if err := dialDaemon().Promote(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "promote: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("promoted %s to fix pool\n", args[0])
}

func runScan(_ []string) {
	if err := dialDaemon().Scan(); err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("scan requested")
}

func runValidate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: ringmaster validate <pipeline.yaml>")
		os.Exit(1)
	}
	def, err := pipeline.LoadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: %d steps\n", len(def.Steps))
	for i, s := range def.Steps {
		flags := []string{}
		if !s.Blocking {
			flags = append(flags, "non-blocking")
		}
		if s.Readonly {
			flags = append(flags, "readonly")
		}
		if s.HasFix() {
			flags = append(flags, fmt.Sprintf("fix=%s", s.Fix.Agent))
		}
		suffix := ""
		if len(flags) > 0 {
			suffix = " (" + strings.Join(flags, ", ") + ")"
		}
		fmt.Printf("  %d. %s agent=%s%s\n", i+1, s.ID, s.Agent, suffix)
	}
}

func runTask(args []string) {
	if len(args) < 1 || args[0] != "add" {
		fmt.Fprintln(os.Stderr, "usage: ringmaster task add --id <id> --title <title> [options]")
		os.Exit(1)
	}
	runTaskAdd(args[1:])
}

func runTaskAdd(args []string) {
	baseDir := findBaseDir()
	if baseDir == "" {
		fmt.Fprintln(os.Stderr, "error: .ringmaster/ directory not found")
		os.Exit(1)
	}

	task := model.Task{Priority: model.PriorityMedium}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			task.ID = arg(args, i)
		case "--title":
			i++
			task.Title = arg(args, i)
		case "--priority":
			i++
			task.Priority = model.Priority(arg(args, i))
		case "--depends-on":
			i++
			task.DependsOn = splitList(arg(args, i))
		case "--files":
			i++
			task.Files = splitList(arg(args, i))
		case "--group":
			i++
			task.Group = arg(args, i)
		case "--pipeline":
			i++
			task.Pipeline = arg(args, i)
		case "--has-plan":
			task.HasPlan = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if task.ID == "" {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			fmt.Fprintf(os.Stderr, "task add: %v\n", err)
			os.Exit(1)
		}
		task.ID = id
	}

	cfg, err := model.LoadConfig(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	store := board.NewStore(baseDir, cfg.Board, nil, board.LogLevelInfo)
	if err := store.AddTask(task); err != nil {
		fmt.Fprintf(os.Stderr, "task add: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("added task %s\n", task.ID)
}

func dialDaemon() *uds.Client {
	baseDir := findBaseDir()
	if baseDir == "" {
		fmt.Fprintln(os.Stderr, "error: .ringmaster/ directory not found")
		os.Exit(1)
	}
	return uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName))
}

func findBaseDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".ringmaster")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func arg(args []string, i int) string {
	if i >= len(args) {
		fmt.Fprintln(os.Stderr, "missing flag value")
		os.Exit(1)
	}
	return args[i]
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "(idle)"
	}
	return strings.Join(ids, ", ")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ringmaster %s — coding-agent task orchestrator

Usage: ringmaster <command> [options]

Commands:
  init [dir]              Create the .ringmaster/ project directory
  daemon                  Run the coordinator daemon
  status [--json]         Show scheduler and board state
  promote <task-id>       Move a failed task into the fix pool
  scan                    Request an immediate scheduling tick
  validate <file>         Validate a pipeline definition
  task add [flags]        Add a task to the board
  version                 Print version

Task flags:
  --id, --title, --priority, --depends-on, --files, --group,
  --pipeline, --has-plan
`, version)
}
