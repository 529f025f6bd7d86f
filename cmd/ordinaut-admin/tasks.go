package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ordinaut/ordinaut/internal/bootstrap"
	"github.com/ordinaut/ordinaut/internal/data"
	"github.com/ordinaut/ordinaut/internal/domain/model"
)

// taskFile is the JSON shape accepted by task-apply. When id is set the
// task is updated in place, otherwise created.
type taskFile struct {
	ID string `json:"id,omitempty"`
	model.CreateTaskRequest
}

func runTaskApply(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("task-apply", flag.ContinueOnError)
	file := fs.String("file", "", "path to the task definition JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read task file: %w", err)
	}
	var def taskFile
	if err := json.Unmarshal(raw, &def); err != nil {
		return fmt.Errorf("parse task file: %w", err)
	}

	return withServices(cmdCtx, func(services *bootstrap.ServiceContainer) error {
		if def.ID != "" {
			task, err := services.Admin.UpdateTask(cmdCtx.Ctx, def.ID, &def.CreateTaskRequest)
			if err != nil {
				return err
			}
			fmt.Printf("updated task %s (%s)\n", task.ID, task.Title)
			return nil
		}
		task, err := services.Admin.CreateTask(cmdCtx.Ctx, &def.CreateTaskRequest)
		if err != nil {
			return err
		}
		fmt.Printf("created task %s (%s)\n", task.ID, task.Title)
		return nil
	})
}

func runTaskList(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("task-list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status (active, paused)")
	kind := fs.String("kind", "", "filter by schedule kind")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := data.TaskFilter{}
	if *status != "" {
		st := model.TaskStatus(*status)
		filter.Status = &st
	}
	if *kind != "" {
		k := model.ScheduleKind(*kind)
		filter.Kind = &k
	}

	return withServices(cmdCtx, func(services *bootstrap.ServiceContainer) error {
		tasks, err := services.Admin.ListTasks(cmdCtx.Ctx, filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tKIND\tEXPR\tTZ\tSTATUS\tPRIORITY")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				t.ID, t.Title, t.ScheduleKind, t.ScheduleExpr, t.Timezone, t.Status, t.Priority)
		}
		return w.Flush()
	})
}

func runTaskPause(cmdCtx *commandContext, args []string) error {
	return taskStatusCommand(cmdCtx, args, "task-pause", func(services *bootstrap.ServiceContainer, id string) error {
		task, err := services.Admin.PauseTask(cmdCtx.Ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("paused task %s\n", task.ID)
		return nil
	})
}

func runTaskResume(cmdCtx *commandContext, args []string) error {
	return taskStatusCommand(cmdCtx, args, "task-resume", func(services *bootstrap.ServiceContainer, id string) error {
		task, err := services.Admin.ResumeTask(cmdCtx.Ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("resumed task %s\n", task.ID)
		return nil
	})
}

func runTaskDelete(cmdCtx *commandContext, args []string) error {
	return taskStatusCommand(cmdCtx, args, "task-delete", func(services *bootstrap.ServiceContainer, id string) error {
		if err := services.Admin.DeleteTask(cmdCtx.Ctx, id); err != nil {
			return err
		}
		fmt.Printf("deleted task %s\n", id)
		return nil
	})
}

func runRunNow(cmdCtx *commandContext, args []string) error {
	return taskStatusCommand(cmdCtx, args, "run-now", func(services *bootstrap.ServiceContainer, id string) error {
		created, err := services.Admin.RunNow(cmdCtx.Ctx, id)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("enqueued immediate run of task %s\n", id)
		} else {
			fmt.Printf("task %s already has a run queued for this instant\n", id)
		}
		return nil
	})
}

func taskStatusCommand(cmdCtx *commandContext, args []string, name string, fn func(*bootstrap.ServiceContainer, string) error) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	id := fs.String("id", "", "task id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}
	return withServices(cmdCtx, func(services *bootstrap.ServiceContainer) error {
		return fn(services, *id)
	})
}

func runRuns(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	id := fs.String("id", "", "task id")
	limit := fs.Int("limit", 20, "maximum runs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}

	return withServices(cmdCtx, func(services *bootstrap.ServiceContainer) error {
		runs, err := services.Admin.ListRuns(cmdCtx.Ctx, *id, *limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tFINISHED\tATTEMPT\tSUCCESS\tWORKER\tERROR")
		for _, r := range runs {
			finished, success, errText := "-", "-", ""
			if r.FinishedAt != nil {
				finished = r.FinishedAt.Format(time.RFC3339)
			}
			if r.Success != nil {
				success = fmt.Sprintf("%t", *r.Success)
			}
			if r.Error != nil {
				errText = *r.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				r.StartedAt.Format(time.RFC3339), finished, r.Attempt, success, r.LeaseOwner, errText)
		}
		return w.Flush()
	})
}

func runStats(cmdCtx *commandContext, args []string) error {
	return withServices(cmdCtx, func(services *bootstrap.ServiceContainer) error {
		stats, err := services.Admin.QueueStats(cmdCtx.Ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pending:             %d\n", stats.Pending)
		fmt.Printf("ready:               %d\n", stats.Ready)
		fmt.Printf("leased:              %d\n", stats.Leased)
		fmt.Printf("oldest ready age:    %s\n", stats.OldestReadyAge)
		fmt.Printf("completed last hour: %d\n", stats.CompletedLastHour)
		return nil
	})
}

func runValidateSchedule(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("validate-schedule", flag.ContinueOnError)
	kind := fs.String("kind", "cron", "schedule kind (cron, rrule, once, event)")
	expr := fs.String("expr", "", "schedule expression")
	tz := fs.String("tz", "UTC", "IANA timezone")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *expr == "" {
		return errors.New("-expr is required")
	}

	return withServices(cmdCtx, func(services *bootstrap.ServiceContainer) error {
		report := services.Admin.ValidateSchedule(model.ScheduleKind(*kind), *expr, *tz)
		if report.OK {
			fmt.Println("ok")
			if report.Canonical != "" {
				fmt.Printf("canonical: %s\n", report.Canonical)
			}
			return nil
		}
		for _, problem := range report.Problems {
			fmt.Printf("problem: %s\n", problem)
		}
		return errors.New("schedule is invalid")
	})
}
