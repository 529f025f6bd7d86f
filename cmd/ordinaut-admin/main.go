// Command ordinaut-admin is the operator CLI: agent registry, task
// lifecycle, queue inspection, and schedule validation.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/ordinaut/ordinaut/config"
	"github.com/ordinaut/ordinaut/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config *config.AppConfig
}

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"agent-create": {
			name:        "agent-create",
			description: "Register an agent (-name, -scopes)",
			run:         runAgentCreate,
		},
		"agent-list": {
			name:        "agent-list",
			description: "List registered agents",
			run:         runAgentList,
		},
		"agent-delete": {
			name:        "agent-delete",
			description: "Delete an agent by id",
			run:         runAgentDelete,
		},
		"task-apply": {
			name:        "task-apply",
			description: "Create or update a task from a JSON definition file",
			run:         runTaskApply,
		},
		"task-list": {
			name:        "task-list",
			description: "List tasks (-status, -kind)",
			run:         runTaskList,
		},
		"task-pause": {
			name:        "task-pause",
			description: "Pause a task and cancel its pending occurrences",
			run:         runTaskPause,
		},
		"task-resume": {
			name:        "task-resume",
			description: "Resume a paused task",
			run:         runTaskResume,
		},
		"task-delete": {
			name:        "task-delete",
			description: "Delete a task and its history",
			run:         runTaskDelete,
		},
		"run-now": {
			name:        "run-now",
			description: "Enqueue an immediate run of a task",
			run:         runRunNow,
		},
		"runs": {
			name:        "runs",
			description: "Show recent runs of a task (-limit)",
			run:         runRuns,
		},
		"stats": {
			name:        "stats",
			description: "Show queue statistics",
			run:         runStats,
		},
		"validate-schedule": {
			name:        "validate-schedule",
			description: "Validate a schedule expression (-kind, -expr, -tz)",
			run:         runValidateSchedule,
		},
		"publish-event": {
			name:        "publish-event",
			description: "Publish a test event to the stream (-topic, -payload)",
			run:         runPublishEvent,
		},
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: ordinaut-admin <command> [flags]")
	fmt.Fprintln(os.Stderr, "")

	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\t%s\n", name, cmds[name].description)
	}
	_ = w.Flush()
}

// withServices connects the database, builds the service container, runs
// fn, and tears everything down.
func withServices(cmdCtx *commandContext, fn func(*bootstrap.ServiceContainer) error) error {
	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config: cmdCtx.Config,
		DB:     db,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return err
	}
	return fn(services)
}

func connectDB(cmdCtx *commandContext) (*sql.DB, error) {
	if err := cmdCtx.Config.Database.Validate(); err != nil {
		return nil, err
	}
	return bootstrap.ConnectDB(cmdCtx.Config.Database, cmdCtx.Logger)
}
