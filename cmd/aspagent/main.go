// Command aspagent scrapes affiliate revenue figures from ASP portals
// following per-ASP scenarios and stores them in sqlite.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/rere-dev/aspagent/internal/config"
	"github.com/rere-dev/aspagent/internal/interpret"
	"github.com/rere-dev/aspagent/internal/log"
	"github.com/rere-dev/aspagent/internal/notify"
	"github.com/rere-dev/aspagent/internal/run"
	"github.com/rere-dev/aspagent/internal/scenario"
	"github.com/rere-dev/aspagent/internal/store"
	"github.com/rere-dev/aspagent/internal/types"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagConfig string
	flagDebug  bool
	flagTarget string
)

var cfg *config.Config

func main() {
	root := &cobra.Command{
		Use:           "aspagent",
		Short:         "Scenario-driven ASP revenue scraper",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; real deployments use the environment
			_ = godotenv.Load()
			if flagDebug {
				config.Debug = true
			}
			var err error
			cfg, err = config.New(flagConfig)
			if err != nil {
				return err
			}
			log.InitializeDefaultLogger()
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging and per-step screenshots")

	runCmd := &cobra.Command{
		Use:   "run <asp>",
		Short: "Scrape a single ASP",
		Args:  cobra.ExactArgs(1),
		RunE:  runOne,
	}
	runCmd.Flags().StringVarP(&flagTarget, "target", "t", "daily", "report to scrape: daily or monthly")

	batchCmd := &cobra.Command{
		Use:   "batch [asp...]",
		Short: "Scrape several ASPs sequentially (all registered ones by default)",
		RunE:  runBatch,
	}
	batchCmd.Flags().StringVarP(&flagTarget, "target", "t", "daily", "report to scrape: daily or monthly")

	scenariosCmd := &cobra.Command{
		Use:   "scenarios",
		Short: "List the scenario definitions found in the scenario directory",
		RunE:  listScenarios,
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent execution logs",
		RunE:  showLogs,
	}
	logsCmd.Flags().Int("limit", 20, "number of log rows to show")

	registerCmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register or update an ASP",
		Args:  cobra.ExactArgs(1),
		RunE:  registerASP,
	}
	registerCmd.Flags().String("login-url", "", "portal login URL")
	registerCmd.Flags().String("scenario-file", "", "free-text scenario file to store as fallback")
	registerCmd.Flags().String("username-key", "", "env var name holding the login username")
	registerCmd.Flags().String("password-key", "", "env var name holding the login password")

	root.AddCommand(runCmd, batchCmd, scenariosCmd, logsCmd, registerCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func parseTarget() (types.TargetTable, error) {
	switch flagTarget {
	case "daily":
		return types.TargetDaily, nil
	case "monthly":
		return types.TargetMonthly, nil
	default:
		return "", fmt.Errorf("unknown target %q (use daily or monthly)", flagTarget)
	}
}

func openStore() (*store.Store, error) {
	return store.Open(cfg.DBPath)
}

func newController(st *store.Store) *run.Controller {
	return run.NewController(cfg, st, interpret.New(cfg.LLM))
}

func runOne(cmd *cobra.Command, args []string) error {
	target, err := parseTarget()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	result := newController(st).Run(cmd.Context(), args[0], target)
	run.WriteSummary(os.Stdout, []run.Result{result})
	if result.Status == types.RunStatusFailed {
		return fmt.Errorf("run failed: %w", result.Err)
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	target, err := parseTarget()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	notifier := notify.NewWebhook(cfg.WebhookURL)
	results, err := newController(st).RunAll(cmd.Context(), args, target, notifier)
	if err != nil {
		return err
	}
	run.WriteSummary(os.Stdout, results)

	failed := 0
	for _, r := range results {
		if r.Status == types.RunStatusFailed {
			failed++
		}
	}
	if failed == len(results) {
		return fmt.Errorf("all %d runs failed", failed)
	}
	return nil
}

func listScenarios(cmd *cobra.Command, args []string) error {
	defs, err := scenario.LoadDir(cfg.ScenarioDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("no scenario directory at %s\n", cfg.ScenarioDir)
			return nil
		}
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"ASP", "Display Name", "Daily Steps", "Monthly Steps", "Max Attempts"})
	for _, def := range defs {
		table.Append([]string{
			def.ASPName,
			def.DisplayName,
			strconv.Itoa(len(def.Daily)),
			strconv.Itoa(len(def.Monthly)),
			strconv.Itoa(def.RetryPolicy().MaxAttempts),
		})
	}
	return table.Render()
}

func showLogs(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	logs, err := st.ExecutionLogs(cmd.Context(), limit)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Started", "ASP", "Type", "Status", "Records", "Error"})
	for _, l := range logs {
		errCol := l.ErrorType
		if errCol == "" && l.ErrorMessage != "" {
			errCol = l.ErrorMessage
		}
		table.Append([]string{
			l.StartedAt.Local().Format(time.DateTime),
			l.ASPName,
			string(l.ExecutionType),
			string(l.Status),
			strconv.Itoa(l.RecordsSaved),
			errCol,
		})
	}
	return table.Render()
}

func registerASP(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	loginURL, _ := cmd.Flags().GetString("login-url")
	scenarioFile, _ := cmd.Flags().GetString("scenario-file")
	scenarioText := ""
	if scenarioFile != "" {
		data, err := os.ReadFile(scenarioFile)
		if err != nil {
			return err
		}
		scenarioText = string(data)
	}

	id, err := st.UpsertASP(cmd.Context(), args[0], loginURL, scenarioText)
	if err != nil {
		return err
	}

	usernameKey, _ := cmd.Flags().GetString("username-key")
	passwordKey, _ := cmd.Flags().GetString("password-key")
	if usernameKey != "" || passwordKey != "" {
		if usernameKey == "" || passwordKey == "" {
			return fmt.Errorf("--username-key and --password-key must be set together")
		}
		if err := st.SetCredential(cmd.Context(), id, store.Credential{
			UsernameKey: usernameKey,
			PasswordKey: passwordKey,
		}); err != nil {
			return err
		}
	}
	fmt.Printf("registered %s (%s)\n", args[0], id)
	return nil
}
