package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nixpig/cwljob/internal/jobmanager"
	"github.com/nixpig/cwljob/internal/jobspec"
)

// TODO: Inject version at build time.
const version = "0.0.1"

// Exit codes of the run command. A job that ends in a status not listed
// here, or a tool error, exits with exitToolError.
var statusExitCodes = map[jobmanager.Status]int{
	jobmanager.StatusNotReady:  0,
	jobmanager.StatusRunning:   0,
	jobmanager.StatusCompleted: 0,
	jobmanager.StatusFailed:    1,
	jobmanager.StatusUnknown:   2,
	jobmanager.StatusKilled:    3,
	jobmanager.StatusCancelled: 4,
}

const exitToolError = 5

// exitError reports the terminal status of a job run in the foreground.
type exitError struct {
	name   string
	status jobmanager.Status
}

func (e *exitError) Error() string {
	return fmt.Sprintf("job %s %s", e.name, e.status)
}

func (e *exitError) code() int {
	if c, ok := statusExitCodes[e.status]; ok {
		return c
	}

	return exitToolError
}

type cli struct {
	v       *viper.Viper
	cfg     *config
	logger  *slog.Logger
	manager *jobmanager.Manager
}

func newCLI() *cli {
	return &cli{v: viper.New()}
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:           "cwljob",
		Short:         "Run and supervise CWL workflow engine jobs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setDefaults(c.v)

			cfg, err := loadConfig(c.v)
			if err != nil {
				return err
			}

			c.cfg = cfg

			level := slog.LevelWarn
			if cfg.debug {
				level = slog.LevelDebug
			}

			c.logger = slog.New(slog.NewTextHandler(
				cmd.ErrOrStderr(),
				&slog.HandlerOptions{Level: level},
			))

			c.manager, err = jobmanager.NewManager(
				cfg.home,
				jobmanager.WithLogger(c.logger),
				jobmanager.WithSinkOptions(cfg.sink),
				jobmanager.WithFollowInterval(cfg.followInterval),
				jobmanager.WithLaunchMode(
					jobmanager.ModeInteractive,
					jobmanager.Interactive{
						Stdout: cmd.OutOrStdout(),
						Stderr: cmd.ErrOrStderr(),
					},
				),
				jobmanager.WithLaunchMode(
					jobmanager.ModeDaemon,
					jobmanager.Daemon{Env: cfg.daemonEnv()},
				),
			)

			return err
		},
	}

	command.AddCommand(
		c.runCmd(),
		c.stopCmd(),
		c.logCmd(),
		c.getCmd(),
		c.rmCmd(),
		c.gcCmd(),
		c.superviseCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	flags := command.PersistentFlags()

	flags.String("home", "", "Runtime home directory (default $HOME/.cwljob)")
	flags.String("config", "", "Config file (default <home>/config.yaml)")
	flags.Bool("debug", false, "Enable debug logs")

	// Binding only fails for a flag that isn't defined above.
	_ = bindFlags(c.v, flags, "home", "config", "debug")

	return command
}

func (c *cli) runCmd() *cobra.Command {
	var (
		name   string
		engine string
		daemon bool
	)

	command := &cobra.Command{
		Use:   "run [flags] JOB_SPEC [ENGINE_ARGS]",
		Short: "Run a workflow job",
		Long: `Run the workflow described by JOB_SPEC with the configured engine.

In the foreground the engine's output is shown and the exit code reflects the
job's terminal status: 0 completed, 1 failed, 2 unknown, 3 killed,
4 cancelled, 5 error. With --daemon the job name is printed once the engine
is running.`,
		Example: "  cwljob run --name wc1 wc.yaml --outdir out",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := jobspec.Load(args[0])
			if err != nil {
				return err
			}

			if name != "" {
				spec.Name = name
			}

			if engine != "" {
				spec.Engine = strings.Fields(engine)
			}

			if err := spec.Validate(); err != nil {
				return err
			}

			argv, err := spec.Command(c.cfg.engine, args[1:]...)
			if err != nil {
				return err
			}

			mode := jobmanager.ModeInteractive
			if daemon {
				mode = jobmanager.ModeDaemon
			}

			rec, err := c.manager.Submit(cmd.Context(), jobmanager.SubmitRequest{
				Name:    spec.JobName(),
				Command: argv,
				Request: spec.Request(),
				Mode:    mode,
			})
			if err != nil {
				return err
			}

			if daemon {
				fmt.Fprintln(cmd.OutOrStdout(), rec.Name)
				return nil
			}

			if rec.Status != jobmanager.StatusCompleted {
				return &exitError{name: rec.Name, status: rec.Status}
			}

			return nil
		},
	}

	// Stop parsing args after the job spec so that flags meant for the engine
	// are passed as-is, e.g. `--outdir` is an argument to the engine _not_ to
	// `cwljob run`:
	//	`cwljob run wc.yaml --outdir out`
	command.Flags().SetInterspersed(false)

	command.Flags().StringVar(&name, "name", "", "Job name (default from job spec)")

	command.Flags().StringVar(
		&engine,
		"engine",
		"",
		"Engine command line, overriding the job spec and config",
	)

	command.Flags().BoolVarP(
		&daemon,
		"daemon",
		"d",
		false,
		"Run the job in the background",
	)

	return command
}

func (c *cli) stopCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "stop [flags] JOB_NAME",
		Short:   "Cancel a running job",
		Example: "  cwljob stop wc1",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := c.manager.Stop(args[0])
			return err
		},
	}

	return command
}

func (c *cli) logCmd() *cobra.Command {
	var opts jobmanager.LogOptions

	var stream string

	command := &cobra.Command{
		Use:     "log [flags] JOB_NAME",
		Short:   "Print or follow job logs",
		Example: "  cwljob log --follow --stream all wc1",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Stream = jobmanager.Stream(stream)

			return c.manager.Logs(cmd.Context(), args[0], opts, cmd.OutOrStdout())
		},
	}

	command.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "Follow log output")
	command.Flags().IntVar(&opts.Tail, "tail", 0, "Show last N lines (0 = all)")

	command.Flags().StringVar(
		&stream,
		"stream",
		string(jobmanager.StreamStdout),
		"Log stream: stdout, stderr, log or all",
	)

	return command
}

func (c *cli) getCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "get",
		Short: "Display resources",
	}

	command.AddCommand(c.getJobCmd())

	return command
}

func (c *cli) getJobCmd() *cobra.Command {
	var format string

	command := &cobra.Command{
		Use:   "job [flags] [JOB_NAME|GLOB]",
		Short: "List jobs or show one job",
		Example: `  cwljob get job
  cwljob get job 'wc-*'
  cwljob get job wc1 -o yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && !isGlob(args[0]) {
				rec, err := c.manager.Get(args[0])
				if err != nil {
					return err
				}

				return printRecords(cmd.OutOrStdout(), format, true, rec)
			}

			pattern := "*"
			if len(args) == 1 {
				pattern = args[0]
			}

			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("invalid pattern %q", pattern)
			}

			entries, err := c.manager.List()
			if err != nil {
				return err
			}

			var recs []*jobmanager.Record

			for _, e := range entries {
				if ok, _ := doublestar.Match(pattern, e.Name); !ok {
					continue
				}

				rec, err := c.manager.Get(e.Name)
				if err != nil {
					if errors.Is(err, jobmanager.ErrNotFound) {
						c.logger.Debug("index entry without metadata", "job", e.Name)
						continue
					}

					return err
				}

				recs = append(recs, rec)
			}

			return printRecords(cmd.OutOrStdout(), format, false, recs...)
		},
	}

	command.Flags().StringVarP(&format, "output", "o", "table", "Output format: table, json or yaml")

	return command
}

func (c *cli) rmCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "rm",
		Short: "Remove resources",
	}

	command.AddCommand(&cobra.Command{
		Use:     "job [flags] JOB_NAME",
		Short:   "Remove a job and its files",
		Example: "  cwljob rm job wc1",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.manager.Remove(args[0])
		},
	})

	return command
}

func (c *cli) gcCmd() *cobra.Command {
	var (
		maxAge time.Duration
		dryRun bool
	)

	command := &cobra.Command{
		Use:     "gc [flags]",
		Short:   "Remove finished jobs older than --max-age",
		Example: "  cwljob gc --max-age 72h --dry-run",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := c.manager.GC(maxAge, dryRun)

			for _, name := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}

			return err
		},
	}

	command.Flags().DurationVar(&maxAge, "max-age", 7*24*time.Hour, "Remove jobs last updated before this long ago")
	command.Flags().BoolVar(&dryRun, "dry-run", false, "Only print the jobs that would be removed")

	return command
}

// superviseCmd is the entry point of the process started by daemon mode.
func (c *cli) superviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "supervise JOB_NAME",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := c.manager.Supervise(cmd.Context(), args[0])
			return err
		},
	}
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// printRecords writes recs in format. With single, json and yaml output a
// single object instead of a list.
func printRecords(
	w io.Writer,
	format string,
	single bool,
	recs ...*jobmanager.Record,
) error {
	var doc any = recs
	if single && len(recs) == 1 {
		doc = recs[0]
	} else if recs == nil {
		doc = []*jobmanager.Record{}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(doc)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()

		return enc.Encode(doc)
	case "table":
		// TODO: Only output headers if TTY, or add a --no-headers flag.
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

		fmt.Fprintf(tw, "NAME\tSTATUS\tMODE\tEXIT CODE\tCREATED\tLAST UPDATED\t\n")

		for _, rec := range recs {
			fmt.Fprintf(
				tw,
				"%s\t%s\t%s\t%s\t%s\t%s\t\n",
				rec.Name,
				rec.Status,
				orDash(string(rec.Mode)),
				exitCodeString(rec.ExitCode),
				rec.Created.Local().Format(time.DateTime),
				rec.LastUpdated.Local().Format(time.DateTime),
			)
		}

		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func exitCodeString(code *int) string {
	if code == nil {
		return "-"
	}

	return fmt.Sprintf("%d", *code)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

// mapError translates job errors to human-readable messages.
func mapError(err error) error {
	var (
		spawnErr *jobmanager.SpawnError
		ioErr    *jobmanager.IOError
	)

	switch {
	case errors.Is(err, jobmanager.ErrNotSupported):
		return errors.New("daemon mode is not supported on this platform; run without --daemon")
	case errors.Is(err, jobmanager.ErrAlreadyRunning):
		return fmt.Errorf("%w; stop it first or choose another --name", err)
	case errors.Is(err, jobmanager.ErrInvalidName):
		return fmt.Errorf("%w; names may contain letters, digits, '.', '_' and '-'", err)
	case errors.As(err, &spawnErr):
		return fmt.Errorf("could not start %s: %v", spawnErr.Program, spawnErr.Err)
	case errors.As(err, &ioErr):
		return fmt.Errorf("cannot %s %s: %v", ioErr.Op, ioErr.Path, ioErr.Err)
	default:
		return err
	}
}
