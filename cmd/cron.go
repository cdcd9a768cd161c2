package cmd

import (
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/openweaver/wisp/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronEnableCmd())
	cmd.AddCommand(cronRunCmd())
	return cmd
}

func cronStore() *cron.Store {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	return cron.NewStore(cfg.CronStorePath())
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			jobs, err := cronStore().Load()
			if err != nil {
				fail(err)
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return
			}
			fmt.Printf("%s %s %s %s %s\n",
				runewidth.FillRight("ID", 36),
				runewidth.FillRight("NAME", 20),
				runewidth.FillRight("SCHEDULE", 24),
				runewidth.FillRight("STATE", 9),
				"NEXT RUN")
			for _, j := range jobs {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				next := "-"
				if j.State.NextRunAtMS > 0 {
					next = time.UnixMilli(j.State.NextRunAtMS).Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%s %s %s %s %s\n",
					runewidth.FillRight(j.ID, 36),
					runewidth.FillRight(runewidth.Truncate(j.Name, 20, "…"), 20),
					runewidth.FillRight(j.Schedule.Describe(), 24),
					runewidth.FillRight(state, 9),
					next)
			}
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name       string
		every      time.Duration
		expr       string
		at         string
		message    string
		deliver    bool
		deliverTo  string
		deliverVia string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Example: `  wisp cron add --name standup --cron "0 9 * * 1-5" --message "Summarize yesterday"
  wisp cron add --name poll --every 15m --message "Check the inbox" --deliver --channel telegram --to 12345
  wisp cron add --name oneoff --at "2026-09-01 09:00" --message "Renew the certificate"`,
		Run: func(cmd *cobra.Command, args []string) {
			if message == "" {
				fail(fmt.Errorf("--message is required"))
			}
			schedule, err := buildSchedule(every, expr, at)
			if err != nil {
				fail(err)
			}
			if deliver && (deliverVia == "" || deliverTo == "") {
				fail(fmt.Errorf("--deliver requires --channel and --to"))
			}
			job, err := cronStore().Add(cron.Job{
				Name:     name,
				Schedule: schedule,
				Payload: cron.Payload{
					Message: message,
					Deliver: deliver,
					To:      deliverTo,
					Channel: deliverVia,
				},
				Enabled: true,
			})
			if err != nil {
				fail(err)
			}
			fmt.Printf("added %s (%s)\n", job.ID, job.Schedule.Describe())
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval, e.g. 15m")
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression, e.g. '0 9 * * *'")
	cmd.Flags().StringVar(&at, "at", "", "one-shot instant, '2006-01-02 15:04' local time")
	cmd.Flags().StringVar(&message, "message", "", "prompt injected into the agent when the job fires")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "send the agent's reply to a channel")
	cmd.Flags().StringVar(&deliverTo, "to", "", "chat ID for delivery")
	cmd.Flags().StringVar(&deliverVia, "channel", "", "channel name for delivery")
	return cmd
}

func buildSchedule(every time.Duration, expr, at string) (cron.Schedule, error) {
	set := 0
	if every > 0 {
		set++
	}
	if expr != "" {
		set++
	}
	if at != "" {
		set++
	}
	if set != 1 {
		return cron.Schedule{}, fmt.Errorf("exactly one of --every, --cron, --at is required")
	}

	switch {
	case every > 0:
		return cron.Schedule{Kind: cron.KindEvery, EveryMS: every.Milliseconds()}, nil
	case expr != "":
		return cron.Schedule{Kind: cron.KindCron, Expr: expr}, nil
	default:
		t, err := time.ParseInLocation("2006-01-02 15:04", at, time.Local)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("parse --at: %w", err)
		}
		return cron.Schedule{Kind: cron.KindAt, AtMS: t.UnixMilli()}, nil
	}
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := cronStore().Remove(args[0]); err != nil {
				fail(err)
			}
			fmt.Println("removed", args[0])
		},
	}
}

func cronEnableCmd() *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable or disable a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := cronStore().SetEnabled(args[0], !disable); err != nil {
				fail(err)
			}
			if disable {
				fmt.Println("disabled", args[0])
			} else {
				fmt.Println("enabled", args[0])
			}
		},
	}
	cmd.Flags().BoolVar(&disable, "off", false, "disable instead of enable")
	return cmd
}

// cronRunCmd marks a job for immediate firing. The running gateway picks
// the state change up on its next tick; this command does not run the
// agent itself.
func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Fire a job now, without touching its schedule",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				fail(fmt.Errorf("job id required"))
			}
			store := cronStore()
			job, err := store.Get(args[0])
			if err != nil {
				fail(err)
			}
			err = store.Mutate(func(jobs []cron.Job) ([]cron.Job, error) {
				for i := range jobs {
					if jobs[i].ID == job.ID {
						jobs[i].Enabled = true
						jobs[i].State.NextRunAtMS = time.Now().UnixMilli()
						return jobs, nil
					}
				}
				return nil, fmt.Errorf("job %s not found", job.ID)
			})
			if err != nil {
				fail(err)
			}
			fmt.Printf("job %s scheduled for immediate firing; the gateway runs it on its next tick\n", job.ID)
		},
	}
}
