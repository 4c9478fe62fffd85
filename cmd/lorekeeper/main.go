package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/lorekeeper/internal/bus"
	"github.com/stellarlinkco/lorekeeper/internal/config"
	"github.com/stellarlinkco/lorekeeper/internal/gateway"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
	"github.com/stellarlinkco/lorekeeper/internal/store"
)

// providerFactory is nil in production; tests swap in a fake.
var providerFactory gateway.ProviderFactory

var rootCmd = &cobra.Command{
	Use:          "lorekeeper",
	Short:        "lorekeeper - turns chat activity into searchable knowledge",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline workers, maintenance, signal intake and reply mirrors",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and queue state",
	RunE:  runStatus,
}

var signalCmd = &cobra.Command{
	Use:       "signal <message|reaction|reply|retrieved|helpful|classify|mention>",
	Short:     "Submit a chat message or engagement signal",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"message", "reaction", "reply", "retrieved", "helpful", "classify", "mention"},
	RunE:      runSignal,
}

var classifyCmd = &cobra.Command{
	Use:   "classify <text>",
	Short: "Classify a piece of text now and print the verdict",
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect agent sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent agent sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail sessions that stopped making progress",
	RunE:  runSessionsSweep,
}

var memosCmd = &cobra.Command{
	Use:   "memos",
	Short: "Inspect memos",
}

var memosListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memos of a workspace",
	RunE:  runMemosList,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List jobs that exhausted their retries",
	RunE:  runJobsDead,
}

var jobsWorkCmd = &cobra.Command{
	Use:       "work <classify|enrich|create-memo|respond>",
	Short:     "Run one batch of queued jobs in the foreground",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(queue.TypeClassify), string(queue.TypeEnrich), string(queue.TypeCreateMemo), string(queue.TypeRespond)},
	RunE:      runJobsWork,
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance <task>",
	Short: "Run a maintenance task now (session-sweep, thread-sweep, requeue-stalled, expire-overdue, purge-jobs)",
	Args:  cobra.ExactArgs(1),
	RunE:  runMaintenance,
}

var (
	workspaceFlag string
	streamFlag    string
	messageFlag   string
	eventFlag     string
	authorFlag    string
	contentFlag   string
	countFlag     int

	classifyWorkspace string
	memosWorkspace    string
	archivedFlag      bool
	sessionsLimit     int
	memosLimit        int
	deadLimit         int
	olderThanFlag     time.Duration
)

func init() {
	signalCmd.Flags().StringVarP(&workspaceFlag, "workspace", "w", "", "Workspace id")
	signalCmd.Flags().StringVarP(&streamFlag, "stream", "s", "", "Stream id")
	signalCmd.Flags().StringVar(&messageFlag, "message", "", "Message id")
	signalCmd.Flags().StringVar(&eventFlag, "event", "", "Event id")
	signalCmd.Flags().StringVar(&authorFlag, "author", "", "Author of the message or mention")
	signalCmd.Flags().StringVarP(&contentFlag, "content", "c", "", "Message text, text to classify or the question asked")
	signalCmd.Flags().IntVarP(&countFlag, "count", "n", 1, "Reaction or reply count")

	classifyCmd.Flags().StringVarP(&classifyWorkspace, "workspace", "w", "cli", "Workspace id billed for model calls")

	sessionsListCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 20, "Maximum sessions to list")
	sessionsSweepCmd.Flags().DurationVar(&olderThanFlag, "older-than", 0, "Inactivity before a session is failed (default from config)")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsSweepCmd)

	memosListCmd.Flags().StringVarP(&memosWorkspace, "workspace", "w", "", "Workspace id")
	memosListCmd.Flags().BoolVar(&archivedFlag, "archived", false, "Include archived memos")
	memosListCmd.Flags().IntVarP(&memosLimit, "limit", "l", 50, "Maximum memos to list")
	memosCmd.AddCommand(memosListCmd)

	jobsDeadCmd.Flags().IntVarP(&deadLimit, "limit", "l", 20, "Maximum jobs to list")
	jobsCmd.AddCommand(jobsDeadCmd, jobsWorkCmd)

	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, signalCmd, classifyCmd,
		sessionsCmd, memosCmd, jobsCmd, maintenanceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, nil
}

// openDeps wires the pipeline for a one-shot command.
func openDeps(ctx context.Context) (*gateway.Deps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return gateway.Build(ctx, cfg, gateway.Options{ProviderFactory: providerFactory})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Provider.APIKey == "" && !cfg.Local.Enabled {
		return fmt.Errorf("API key not set and local models disabled. Run 'lorekeeper onboard' or set LOREKEEPER_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{ProviderFactory: providerFactory})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(commandContext(cmd))
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath()), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Fprintf(out, "Database: %s\n", cfg.DBPath())
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and local model endpoint\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set LOREKEEPER_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'lorekeeper serve'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "Model: %s (escalation %s)\n", cfg.Provider.Model, cfg.Provider.EscalationModel)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	if cfg.Local.Enabled {
		fmt.Fprintf(out, "Local: %s (%s, embed %s)\n", cfg.Local.BaseURL, cfg.Local.Model, cfg.Local.EmbedModel)
	} else {
		fmt.Fprintln(out, "Local: disabled")
	}
	if cfg.Signals.RedisAddr != "" {
		fmt.Fprintf(out, "Signals: redis %s stream=%s group=%s\n", cfg.Signals.RedisAddr, cfg.Signals.Stream, cfg.Signals.Group)
	} else {
		fmt.Fprintln(out, "Signals: in-process only")
	}
	fmt.Fprintf(out, "Telegram: enabled=%v chats=%d\n", cfg.Channels.Telegram.Enabled, len(cfg.Channels.Telegram.Chats))
	fmt.Fprintf(out, "Metrics: enabled=%v addr=%s\n", cfg.Metrics.Enabled, cfg.Metrics.Addr)

	if _, err := os.Stat(cfg.DBPath()); err != nil {
		fmt.Fprintf(out, "Database: not found (run 'lorekeeper onboard')\n")
		return nil
	}
	fmt.Fprintf(out, "Database: %s\n", cfg.DBPath())

	engine, err := store.NewEngine(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(out, "Queue: error (%v)\n", err)
		return nil
	}
	defer engine.Close()
	q, err := queue.New(engine.DB())
	if err != nil {
		fmt.Fprintf(out, "Queue: error (%v)\n", err)
		return nil
	}
	stats, err := q.Stats(commandContext(cmd))
	if err != nil {
		fmt.Fprintf(out, "Queue: error (%v)\n", err)
		return nil
	}
	if len(stats) == 0 {
		fmt.Fprintln(out, "Queue: empty")
		return nil
	}
	fmt.Fprintln(out, "Queue:")
	for _, s := range stats {
		fmt.Fprintf(out, "  %-12s %-10s %d\n", s.Type, s.State, s.Count)
	}
	return nil
}

func runSignal(cmd *cobra.Command, args []string) error {
	s := bus.Signal{
		Kind:        bus.SignalKind(args[0]),
		WorkspaceID: workspaceFlag,
		StreamID:    streamFlag,
		MessageID:   messageFlag,
		EventID:     eventFlag,
		AuthorID:    authorFlag,
		Content:     contentFlag,
		Timestamp:   time.Now(),
	}
	switch s.Kind {
	case bus.SignalReaction:
		s.Reactions = countFlag
	case bus.SignalReply:
		s.Replies = countFlag
	case bus.SignalClassify:
		s.ContentType = queue.ContentMessage
	}
	if err := s.Validate(); err != nil {
		return err
	}

	ctx := commandContext(cmd)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Signals.RedisAddr != "" {
		src, err := bus.NewRedisSource(cfg.Signals)
		if err != nil {
			return fmt.Errorf("connect signal stream: %w", err)
		}
		defer src.Close()
		id, err := src.Publish(ctx, s)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s signal: %s\n", s.Kind, id)
		return nil
	}

	d, err := gateway.Build(ctx, cfg, gateway.Options{ProviderFactory: providerFactory})
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Producer.Dispatch(ctx, s); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Accepted %s signal\n", s.Kind)
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	outcome, err := d.Classify.Run(ctx, queue.ClassifyPayload{
		WorkspaceID: classifyWorkspace,
		Content:     args[0],
		ContentType: queue.ContentMessage,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch {
	case outcome.Prefiltered:
		fmt.Fprintf(out, "Prefiltered: structural score %d\n", outcome.Score)
	case outcome.Skipped != "":
		fmt.Fprintf(out, "Skipped: %s\n", outcome.Skipped)
	default:
		fmt.Fprintf(out, "Knowledge: %v (confidence %.2f, tier %s, score %d)\n",
			outcome.IsKnowledge, outcome.Confidence, outcome.Tier, outcome.Score)
		if outcome.SuggestedTitle != "" {
			fmt.Fprintf(out, "Title: %s\n", outcome.SuggestedTitle)
		}
	}
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	sessions, err := d.Sessions.ListRecent(ctx, sessionsLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions")
		return nil
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "ID\tSTREAM\tTRIGGER\tSTATUS\tSTEPS\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", s.ID, s.StreamID, s.TriggeringEventID, s.Status,
			len(s.Steps), s.UpdatedAt.Format(time.DateTime))
	}
	return tw.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	s, err := d.Sessions.Get(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s [%s]\n", s.ID, s.Status)
	fmt.Fprintf(out, "Stream: %s  Trigger: %s\n", s.StreamID, s.TriggeringEventID)
	if s.ResponseEventID != "" {
		fmt.Fprintf(out, "Response: %s\n", s.ResponseEventID)
	}
	if s.ErrorMessage != "" {
		fmt.Fprintf(out, "Error: %s\n", s.ErrorMessage)
	}
	for _, st := range s.Steps {
		label := string(st.Type)
		if st.ToolName != "" {
			label += " " + st.ToolName
		}
		fmt.Fprintf(out, "  %d. %-28s %-9s %s\n", st.Seq, label, st.Status, oneLine(st.Content, 80))
	}
	if s.Summary != "" {
		fmt.Fprintf(out, "Summary: %s\n", s.Summary)
	}
	return nil
}

func runSessionsSweep(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	olderThan := olderThanFlag
	if olderThan <= 0 {
		olderThan = config.Duration(d.Config.Sessions.StaleAfter, 5*time.Minute)
	}
	n, err := d.Sessions.SweepStale(ctx, olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Failed %d stale sessions\n", n)
	return nil
}

func runMemosList(cmd *cobra.Command, args []string) error {
	if memosWorkspace == "" {
		return fmt.Errorf("--workspace is required")
	}
	ctx := commandContext(cmd)
	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	memos, err := d.Memos.Store().List(ctx, memosWorkspace, archivedFlag, memosLimit)
	if err != nil {
		return err
	}
	if len(memos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No memos")
		return nil
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "ID\tCATEGORY\tCONF\tHITS\tSUMMARY")
	for _, m := range memos {
		summary := oneLine(m.Summary, 70)
		if m.Archived() {
			summary = "(archived) " + summary
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d\t%s\n", m.ID, m.Category, m.Confidence, m.RetrievalCount, summary)
	}
	return tw.Flush()
}

func runJobsDead(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	jobs, err := d.Queue.ListDead(ctx, deadLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead jobs")
		return nil
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "ID\tTYPE\tATTEMPTS\tPAYLOAD\tERROR")
	for _, j := range jobs {
		payload, _ := json.Marshal(j.Payload)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", j.ID, j.Type, j.RetryCount, oneLine(string(payload), 60), oneLine(j.LastError, 60))
	}
	return tw.Flush()
}

func runJobsWork(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	t := queue.Type(args[0])
	if t == queue.TypeCreateMemo || t == queue.TypeRespond {
		// search and overlap checks read the in-memory index
		if _, err := d.Memos.Rebuild(ctx); err != nil {
			return err
		}
	}
	n, err := d.Queue.Work(ctx, t)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ran %d %s jobs\n", n, t)
	return nil
}

func runMaintenance(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	result, err := d.Cron.RunNow(ctx, args[0])
	if err != nil {
		var names []string
		for _, st := range d.Cron.States() {
			names = append(names, st.Name)
		}
		sort.Strings(names)
		return fmt.Errorf("%w (available: %s)", err, strings.Join(names, ", "))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], result)
	return nil
}

// commandContext falls back to Background for commands run outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
