package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ordinaut/ordinaut/internal/bootstrap"
	"github.com/ordinaut/ordinaut/internal/domain/model"
)

func runMigrate(cmdCtx *commandContext, _ []string) error {
	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	return bootstrap.RunMigrations(cmdCtx.Ctx, db, cmdCtx.Logger)
}

func runAgentCreate(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("agent-create", flag.ContinueOnError)
	name := fs.String("name", "", "agent name")
	scopes := fs.String("scopes", "", "comma-delimited scopes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *scopes == "" {
		return errors.New("-name and -scopes are required")
	}

	var scopeList []string
	for _, s := range strings.Split(*scopes, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			scopeList = append(scopeList, trimmed)
		}
	}

	return withServices(cmdCtx, func(services *bootstrap.ServiceContainer) error {
		agent, err := services.Admin.CreateAgent(cmdCtx.Ctx, &model.CreateAgentRequest{
			Name:   *name,
			Scopes: scopeList,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created agent %s (%s)\n", agent.ID, agent.Name)
		return nil
	})
}

func runAgentList(cmdCtx *commandContext, _ []string) error {
	return withServices(cmdCtx, func(services *bootstrap.ServiceContainer) error {
		agents, err := services.Admin.ListAgents(cmdCtx.Ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSCOPES\tCREATED")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				a.ID, a.Name, strings.Join(a.Scopes, ","), a.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runAgentDelete(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("agent-delete", flag.ContinueOnError)
	id := fs.String("id", "", "agent id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}

	return withServices(cmdCtx, func(services *bootstrap.ServiceContainer) error {
		if err := services.Admin.DeleteAgent(cmdCtx.Ctx, *id); err != nil {
			return err
		}
		fmt.Printf("deleted agent %s\n", *id)
		return nil
	})
}

func runPublishEvent(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("publish-event", flag.ContinueOnError)
	topic := fs.String("topic", "", "event topic")
	payload := fs.String("payload", "{}", "event payload JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *topic == "" {
		return errors.New("-topic is required")
	}

	client, err := bootstrap.ConnectRedis(cmdCtx.Config.EventStream, cmdCtx.Logger)
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("EVENT_STREAM_URL is not configured")
	}
	defer func() {
		_ = client.Close()
	}()

	id, err := client.XAdd(cmdCtx.Ctx, &redis.XAddArgs{
		Stream: cmdCtx.Config.EventStream.Stream,
		Values: map[string]any{"topic": *topic, "payload": *payload},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	fmt.Printf("published event %s to %s\n", id, cmdCtx.Config.EventStream.Stream)
	return nil
}
