package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/config"
	"github.com/HKUDS/mediagen-go/pkg/cron"
)

func cronStorePath(cfg *config.Config) string {
	return filepath.Join(cfg.Workspace, "cron.json")
}

func runSchedule(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mediagen schedule add|list|remove [flags]")
	}
	switch args[0] {
	case "add":
		return scheduleAdd(args[1:])
	case "list", "ls":
		return scheduleList(args[1:])
	case "remove", "rm":
		return scheduleRemove(args[1:])
	}
	return fmt.Errorf("unknown schedule command %q", args[0])
}

func loadScheduleService(configPath string) (*cron.Service, error) {
	config.LoadDotEnv()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cron.NewService(cronStorePath(cfg), nil, zerolog.Nop()), nil
}

func scheduleAdd(args []string) error {
	fs := newFlagSet("schedule add")
	configPath := fs.String("c", "", "Path to config file")
	name := fs.String("name", "", "Job name")
	when := fs.String("when", "", `Schedule: "every 1h", "in 30m", "at 2025-03-14T09:00:00+08:00", or a cron expression`)
	tz := fs.String("tz", "", "Time zone for cron expressions, e.g. Asia/Shanghai")
	provider := fs.String("p", "", "Provider ID")
	notify := fs.String("notify", "", "Send each result to channel:target")
	once := fs.Bool("delete-after-run", false, "Remove a one-shot job after it runs")
	opts := optionFlags{}
	fs.Var(opts, "o", "Provider option key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	prompt := strings.Join(fs.Args(), " ")
	if *when == "" || *provider == "" || prompt == "" {
		return fmt.Errorf(`usage: mediagen schedule add -when "every 1h" -p <provider> [-notify ch:to] <prompt>`)
	}

	schedule, err := cron.ParseSchedule(*when, time.Now())
	if err != nil {
		return err
	}
	schedule.Tz = *tz

	payload := cron.Payload{Provider: *provider, Prompt: prompt, Options: opts}
	if *notify != "" {
		ch, to, ok := strings.Cut(*notify, ":")
		if !ok {
			return fmt.Errorf("-notify wants channel:target, got %q", *notify)
		}
		payload.Channel, payload.To = ch, to
	}
	if *name == "" {
		*name = prompt
	}

	svc, err := loadScheduleService(*configPath)
	if err != nil {
		return err
	}
	job, err := svc.AddJob(*name, schedule, payload, *once)
	if err != nil {
		return err
	}
	fmt.Printf("Added job %s, next run %s\n", job.ID, time.UnixMilli(job.State.NextRunAtMs).Format(time.RFC3339))
	return nil
}

func scheduleList(args []string) error {
	fs := newFlagSet("schedule list")
	configPath := fs.String("c", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc, err := loadScheduleService(*configPath)
	if err != nil {
		return err
	}
	jobs, err := svc.ListJobs()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tPROVIDER\tNEXT RUN\tLAST\tNOTIFY")
	for _, j := range jobs {
		next := "-"
		if j.State.NextRunAtMs > 0 {
			next = humanize.Time(time.UnixMilli(j.State.NextRunAtMs))
		}
		last := j.State.LastStatus
		if last == "" {
			last = "-"
		}
		notify := "-"
		if j.Payload.Channel != "" {
			notify = j.Payload.Channel + ":" + j.Payload.To
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Name, describe(j.Schedule), j.Payload.Provider, next, last, notify)
	}
	return w.Flush()
}

func describe(s cron.Schedule) string {
	switch s.Kind {
	case cron.KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.KindAt:
		return "at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	}
	if s.Tz != "" {
		return s.Expr + " (" + s.Tz + ")"
	}
	return s.Expr
}

func scheduleRemove(args []string) error {
	fs := newFlagSet("schedule remove")
	configPath := fs.String("c", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mediagen schedule remove <job id>")
	}
	svc, err := loadScheduleService(*configPath)
	if err != nil {
		return err
	}
	removed, err := svc.RemoveJob(fs.Arg(0))
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no job with id %s", fs.Arg(0))
	}
	fmt.Printf("Removed job %s\n", fs.Arg(0))
	return nil
}
