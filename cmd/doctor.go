package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and state directories",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	ok := true
	check := func(name string, pass bool, detail string) {
		mark := "ok"
		if !pass {
			mark = "FAIL"
			ok = false
		}
		fmt.Printf("  [%s] %-24s %s\n", mark, name, detail)
	}

	cfg, err := config.Load(cfgFile, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("agentrelay doctor")

	check("data dir", dirWritable(dataDir), dataDir)
	check("sessions dir", dirWritable(cfg.Sessions.Dir), cfg.Sessions.Dir)
	check("workdirs dir", dirWritable(cfg.Sessions.WorkdirsDir), cfg.Sessions.WorkdirsDir)

	check("primary provider", cfg.Providers.Primary != "", cfg.Providers.Primary)
	if cfg.Providers.Anthropic.Enabled {
		check("anthropic api key", cfg.Providers.Anthropic.APIKey != "", "AGENTRELAY_ANTHROPIC_API_KEY")
	}
	if cfg.Channels.Telegram.Enabled {
		check("telegram token", cfg.Channels.Telegram.BotToken != "", "AGENTRELAY_TELEGRAM_TOKEN")
	}
	if cfg.Channels.Slack.Enabled && !cfg.Channels.Slack.Skeleton {
		check("slack token", cfg.Channels.Slack.BotToken != "", "AGENTRELAY_SLACK_TOKEN")
	}

	if !ok {
		os.Exit(1)
	}
}

func dirWritable(dir string) bool {
	if dir == "" {
		return false
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
