// Command snowball is the operator CLI for the distribution engine. It
// submits uploads, inspects events, reports repository growth and manages
// uploader and domain blocks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ignite/snowball-engine/internal/app"
	"github.com/ignite/snowball-engine/internal/config"
	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/ignite/snowball-engine/internal/service/snowball"
)

const usage = `usage: snowball [-config file] <command> [args]

commands:
  repo create [-owner id] [-topic t] <id> <name>
  submit [-process] [-parent eventId] [-email addr] <repo> <uploader> <file.csv>
  status <eventId>
  growth <repo> [days]
  dead-letters [limit]
  queue-stats
  admin block-user [-for duration] <uploader>
  admin unblock-user <uploader>
  admin block-domain <host>
`

func main() {
	configPath := flag.String("config", os.Getenv("SNOWBALL_CONFIG"), "path to the YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(logger.Options{
		Service:   "snowball-cli",
		Level:     cfg.Logging.Level,
		Format:    "console",
		RedactPII: cfg.Logging.Redact(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	runErr := run(ctx, a, flag.Args(), os.Stdout)
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		if snowball.IsInputError(runErr) || errors.Is(runErr, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

func run(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "repo":
		if len(rest) == 0 || rest[0] != "create" {
			return fmt.Errorf("%w: repo create <id> <name>", errUsage)
		}
		return createRepository(ctx, a, rest[1:], out)
	case "submit":
		return submit(ctx, a, rest, out)
	case "status":
		if len(rest) != 1 {
			return fmt.Errorf("%w: status <eventId>", errUsage)
		}
		view, err := a.Service.EventStatus(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(out, view)
	case "growth":
		if len(rest) < 1 || len(rest) > 2 {
			return fmt.Errorf("%w: growth <repo> [days]", errUsage)
		}
		days := 0
		if len(rest) == 2 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n < 0 {
				return fmt.Errorf("%w: days must be a non-negative integer", errUsage)
			}
			days = n
		}
		report, err := a.Service.GrowthReport(ctx, rest[0], days)
		if err != nil {
			return err
		}
		return printJSON(out, report)
	case "dead-letters":
		var limit int64 = 50
		if len(rest) == 1 {
			n, err := strconv.ParseInt(rest[0], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: limit must be an integer", errUsage)
			}
			limit = n
		}
		dead, err := a.Queue.DeadLetters(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(out, dead)
	case "queue-stats":
		stats, err := a.Queue.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, stats)
	case "admin":
		return admin(ctx, a, rest, out)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func createRepository(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("repo create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	owner := fs.String("owner", "", "owner id")
	topic := fs.String("topic", "", "repository topic")
	if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
		return fmt.Errorf("%w: repo create [-owner id] [-topic t] <id> <name>", errUsage)
	}
	now := time.Now().UTC()
	repo := &domain.Repository{
		ID:        fs.Arg(0),
		Name:      fs.Arg(1),
		Topic:     *topic,
		OwnerID:   *owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.Store.CreateRepository(ctx, repo); err != nil {
		return err
	}
	return printJSON(out, repo)
}

type adminResult struct {
	Action string `json:"action"`
	Target string `json:"target"`
	For    string `json:"for,omitempty"`
}

func admin(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: admin block-user|unblock-user|block-domain", errUsage)
	}
	action, rest := args[0], args[1:]
	res := adminResult{Action: action}
	switch action {
	case "block-user":
		fs := flag.NewFlagSet("admin block-user", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		ttl := fs.Duration("for", 0, "block duration; zero blocks until unblocked")
		if err := fs.Parse(rest); err != nil || fs.NArg() != 1 || *ttl < 0 {
			return fmt.Errorf("%w: admin block-user [-for duration] <uploader>", errUsage)
		}
		res.Target = fs.Arg(0)
		if *ttl > 0 {
			res.For = ttl.String()
		}
		if err := a.Guard.BlockUser(ctx, res.Target, *ttl); err != nil {
			return err
		}
	case "unblock-user":
		if len(rest) != 1 {
			return fmt.Errorf("%w: admin unblock-user <uploader>", errUsage)
		}
		res.Target = rest[0]
		if err := a.Guard.UnblockUser(ctx, res.Target); err != nil {
			return err
		}
	case "block-domain":
		if len(rest) != 1 || rest[0] == "" {
			return fmt.Errorf("%w: admin block-domain <host>", errUsage)
		}
		res.Target = rest[0]
		if err := a.Guard.BlockDomain(ctx, res.Target); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown admin action %q", errUsage, action)
	}
	return printJSON(out, res)
}

func submit(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	process := fs.Bool("process", false, "run the worker in this process until the event finishes")
	parent := fs.String("parent", "", "parent event id")
	email := fs.String("email", "", "uploader email")
	if err := fs.Parse(args); err != nil || fs.NArg() != 3 {
		return fmt.Errorf("%w: submit [-process] [-parent eventId] [-email addr] <repo> <uploader> <file.csv>", errUsage)
	}

	f, err := os.Open(fs.Arg(2))
	if err != nil {
		return err
	}
	defer f.Close()

	receipt, err := a.Service.Submit(ctx, snowball.UploadRequest{
		RepositoryID:  fs.Arg(0),
		UploaderID:    fs.Arg(1),
		UploaderEmail: *email,
		FileName:      fs.Arg(2),
		File:          f,
		ParentEventID: *parent,
	})
	if err != nil {
		return err
	}
	if !*process {
		return printJSON(out, receipt)
	}

	view, err := processUntilDone(ctx, a, receipt.EventID)
	if err != nil {
		return err
	}
	return printJSON(out, view)
}

// processUntilDone runs the worker until eventID reaches a terminal status.
func processUntilDone(ctx context.Context, a *app.App, eventID string) (*snowball.EventView, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()
	stopped := false
	defer func() {
		cancel()
		if !stopped {
			<-done
		}
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		view, err := a.Service.EventStatus(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-done:
			stopped = true
			if err == nil {
				err = errors.New("worker stopped before the event finished")
			}
			return nil, err
		case <-ticker.C:
		}
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
