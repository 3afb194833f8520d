// apfed runs (or administers) a single-node ActivityPub federation server:
// a directory tree of accounts, objects and durable queues, served over
// HTTP and driven by a worker pool plus a daily retention sweep.
//
// Usage:
//
//	apfed init --host social.example /srv/apfed
//	apfed httpd /srv/apfed
//	apfed adduser alice /srv/apfed
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/klppl/apfed/internal/config"
	"github.com/klppl/apfed/internal/inbox"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/outbox"
	"github.com/klppl/apfed/internal/purge"
	"github.com/klppl/apfed/internal/queue"
	"github.com/klppl/apfed/internal/server"
	"github.com/klppl/apfed/internal/userstore"
)

var rootCmd = &cobra.Command{
	Use:   "apfed",
	Short: "Single-node ActivityPub federation server",
}

func init() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(httpdCmd)
	rootCmd.AddCommand(purgeCmd)
	addAccountCommands(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// baseDirArg resolves the base directory from the command's first
// positional argument, falling back to the APFED_BASE_DIR environment
// variable per §6: "commands take the base directory as the first argument
// or from an environment variable."
func baseDirArg(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if dir := os.Getenv("APFED_BASE_DIR"); dir != "" {
		return dir, nil
	}
	return "", fmt.Errorf("base directory required: pass it as an argument or set APFED_BASE_DIR")
}

var initCmd = &cobra.Command{
	Use:   "init [base-dir]",
	Short: "Initialize a new instance directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir, err := baseDirArg(args)
		if err != nil {
			return err
		}
		host, _ := cmd.Flags().GetString("host")
		cfg, err := config.Init(baseDir, host)
		if err != nil {
			return err
		}
		if _, err := objectstore.New(baseDir); err != nil {
			return err
		}
		if _, err := userstore.NewInstance(baseDir); err != nil {
			return err
		}
		slog.Info("instance initialized", "base_dir", baseDir, "host", cfg.Host)
		return nil
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [base-dir]",
	Short: "Migrate an instance directory to the layout this binary understands",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir, err := baseDirArg(args)
		if err != nil {
			return err
		}
		cfg, err := config.Upgrade(baseDir)
		if err != nil {
			return err
		}
		slog.Info("instance upgraded", "base_dir", baseDir, "host", cfg.Host, "layout", config.CurrentLayout)
		return nil
	},
}

func init() {
	initCmd.Flags().String("host", "", "Instance hostname (defaults to localhost)")
}

var purgeCmd = &cobra.Command{
	Use:   "purge [base-dir]",
	Short: "Run one retention sweep immediately, outside the daily schedule",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir, err := baseDirArg(args)
		if err != nil {
			return err
		}
		cfg, objs, users, instance, err := openInstance(baseDir)
		if err != nil {
			return err
		}
		if err := purge.Sweep(cfg, users, objs, instance); err != nil {
			return err
		}
		slog.Info("purge sweep complete", "base_dir", baseDir)
		return nil
	},
}

var httpdCmd = &cobra.Command{
	Use:   "httpd [base-dir]",
	Short: "Run the HTTP server, queue dispatcher and purge scheduler",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir, err := baseDirArg(args)
		if err != nil {
			return err
		}
		return runHTTPD(baseDir)
	},
}

// openInstance loads the config and every store the CLI's account/social
// commands need, in the sequence config -> objects -> users -> instance,
// matching the startup ordering used by runHTTPD.
func openInstance(baseDir string) (*config.Config, *objectstore.Store, *userstore.Store, *userstore.Instance, error) {
	cfg, err := config.Load(baseDir)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	objs, err := objectstore.New(baseDir)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	users := userstore.New(baseDir, objs)
	instance, err := userstore.NewInstance(baseDir)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, objs, users, instance, nil
}

func runHTTPD(baseDir string) error {
	cfg, err := config.Load(baseDir)
	if err != nil {
		return err
	}
	slog.Info("config loaded", "base_dir", baseDir, "host", cfg.Host, "address", cfg.Address, "port", cfg.Port)

	objects, err := objectstore.New(baseDir)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	users := userstore.New(baseDir, objects)
	instance, err := userstore.NewInstance(baseDir)
	if err != nil {
		return fmt.Errorf("open instance state: %w", err)
	}
	global, err := queue.New(globalQueueDir(baseDir))
	if err != nil {
		return fmt.Errorf("open global queue: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	f, sender := newSender(cfg, objects, instance, users)
	f.StartSweeper(ctx, fetchSweepInterval)

	pipeline := &inbox.Pipeline{
		Objects:       objects,
		Instance:      instance,
		Fetcher:       f,
		Outbox:        sender,
		LocalBase:     cfg.BaseURL(),
		MinAccountAge: 0,
		ErrorDir:      baseDir,
	}

	handler := dispatchHandler(
		inbox.InputHandler(pipeline, users),
		outbox.DeliverHandler,
		purge.Handler(cfg, users, objects, instance),
		inbox.CloseQuestionHandler(pipeline, users),
	)

	dispatcher := &queue.Dispatcher{
		Global:   global,
		UserDirs: func() []*queue.Queue { return userQueues(users) },
		Handler:  handler,
		Policy: queue.RetryPolicy{
			Backoff:  cfg.QueueRetryBackoff,
			MaxTries: cfg.QueueRetryMax,
		},
		Workers:  dispatcherWorkers,
		Interval: dispatcherInterval,
	}
	go dispatcher.Start(ctx)

	sched := cron.New()
	if _, err := queue.SchedulePurge(sched, global); err != nil {
		return fmt.Errorf("schedule purge: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(cfg, users, instance, objects, global)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("apfed httpd stopped")
	return nil
}

// userQueues opens (or lazily creates) the per-user queue for every
// provisioned account, run fresh on each dispatcher scan so a newly added
// user is picked up without a restart.
func userQueues(users *userstore.Store) []*queue.Queue {
	uids, err := users.List()
	if err != nil {
		slog.Warn("httpd: list users failed", "error", err)
		return nil
	}
	queues := make([]*queue.Queue, 0, len(uids))
	for _, uid := range uids {
		user, err := users.Open(uid)
		if err != nil {
			continue
		}
		q, err := queue.New(user.QueueDir())
		if err != nil {
			slog.Warn("httpd: open user queue failed", "uid", uid, "error", err)
			continue
		}
		queues = append(queues, q)
	}
	return queues
}

// dispatchHandler routes a dequeued item to the sub-handler matching its
// Kind. Each sub-handler already guards on item.Kind itself (see
// inbox.InputHandler and outbox.DeliverHandler), so this only needs to pick
// the right one rather than re-check; anything unrecognised is acked as
// done rather than retried forever.
func dispatchHandler(input, output, purgeSweep, closeQuestion queue.Handler) queue.Handler {
	return func(ctx context.Context, item *queue.Item) queue.Outcome {
		switch item.Kind {
		case queue.KindInput:
			return input(ctx, item)
		case queue.KindOutput:
			return output(ctx, item)
		case queue.KindPurge:
			return purgeSweep(ctx, item)
		case queue.KindCloseQuestion:
			return closeQuestion(ctx, item)
		default:
			return queue.OutcomeDone
		}
	}
}

func globalQueueDir(baseDir string) string {
	return baseDir + "/queue"
}

const (
	userAgent          = "apfed/1.0"
	dispatcherWorkers  = 8
	dispatcherInterval = time.Second
	fetchSweepInterval = 10 * time.Minute
)
