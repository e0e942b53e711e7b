package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/presence"
	"github.com/MarcoPoloResearchLab/labpresence/internal/replies"
	"github.com/MarcoPoloResearchLab/labpresence/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// withApplication wires the application for the duration of one command.
func withApplication(run func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := newApplication()
		if err != nil {
			return err
		}
		defer app.Close()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return run(ctx, cmd, app, args)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the admin HTTP API",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(ctx context.Context, _ *cobra.Command, app *application, _ []string) error {
			return runServer(ctx, app)
		}),
	}
}

func runServer(ctx context.Context, app *application) error {
	if err := app.config.ValidateServer(); err != nil {
		return err
	}
	tokens, err := app.tokenIssuer()
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Statuses:      app.ledger,
		Jobs:          app.scheduler,
		Presence:      app.controller,
		Tokens:        tokens,
		Realtime:      app.realtime,
		ResetBaseline: ledger.State(app.config.ResetBaseline),
		Logger:        app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return app.scheduler.Run(groupCtx)
	})
	group.Go(func() error {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newPunchCommand() *cobra.Command {
	var lab, username string
	cmd := &cobra.Command{
		Use:   "punch <user-id>",
		Short: "Register entry into a lab",
		Args:  cobra.ExactArgs(1),
		RunE: withApplication(func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			result, err := app.controller.Punch(ctx, presence.Request{UserID: args[0], Username: username, Lab: lab})
			return reply(cmd.OutOrStdout(), replies.Render(result, err), err)
		}),
	}
	cmd.Flags().StringVar(&lab, "lab", "", "Lab to enter instead of the saved preference")
	cmd.Flags().StringVar(&username, "username", "", "Display name recorded with the event")
	return cmd
}

func newExitCommand() *cobra.Command {
	var lab, username string
	cmd := &cobra.Command{
		Use:   "exit <user-id>",
		Short: "Register exit from the current lab",
		Args:  cobra.ExactArgs(1),
		RunE: withApplication(func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			result, err := app.controller.Exit(ctx, presence.Request{UserID: args[0], Username: username, Lab: lab})
			return reply(cmd.OutOrStdout(), replies.Render(result, err), err)
		}),
	}
	cmd.Flags().StringVar(&lab, "lab", "", "Lab to leave when the recorded lab is unknown")
	cmd.Flags().StringVar(&username, "username", "", "Display name recorded with the event")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var lab, username string
	var cached bool
	cmd := &cobra.Command{
		Use:   "status <user-id>",
		Short: "Check presence against the portal",
		Args:  cobra.ExactArgs(1),
		RunE: withApplication(func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			if cached {
				status, err := app.controller.Current(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			}
			result, err := app.controller.CheckStatus(ctx, presence.Request{UserID: args[0], Username: username, Lab: lab})
			return reply(cmd.OutOrStdout(), replies.Render(result, err), err)
		}),
	}
	cmd.Flags().StringVar(&lab, "lab", "", "Lab to check instead of the saved preference")
	cmd.Flags().StringVar(&username, "username", "", "Display name recorded with the event")
	cmd.Flags().BoolVar(&cached, "cached", false, "Print the stored status without contacting the portal")
	return cmd
}

func newSetLabCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setlab <user-id> <lab>",
		Short: "Save the default lab of a user",
		Args:  cobra.ExactArgs(2),
		RunE: withApplication(func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			lab := strings.TrimSpace(args[1])
			err := app.controller.SetLab(ctx, args[0], lab)
			return reply(cmd.OutOrStdout(), replies.RenderSetLab(lab, err), err)
		}),
	}
}

func newLabsCommand() *cobra.Command {
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "labs",
		Short: "List the lab catalog",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(_ context.Context, cmd *cobra.Command, app *application, _ []string) error {
			labPage := replies.PaginateLabs(app.catalog, page, perPage)
			out := cmd.OutOrStdout()
			for _, name := range labPage.Labs {
				marker := " "
				if name == app.catalog.DefaultLab() {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s\n", marker, name)
			}
			if labPage.Next {
				fmt.Fprintf(out, "more: --page %d\n", labPage.Page+1)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&page, "page", 0, "Zero-based page")
	cmd.Flags().IntVar(&perPage, "per-page", 8, "Labs per page")
	return cmd
}

func newTriggerJobCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger-job <reset|reminder|auto_status>",
		Short: "Run a scheduled job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: withApplication(func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			report, err := app.scheduler.TriggerJob(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		}),
	}
}

func newListStatusCommand() *cobra.Command {
	var state, lab string
	var pageSize int
	cmd := &cobra.Command{
		Use:   "list-status",
		Short: "List the current status of every user",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(ctx context.Context, cmd *cobra.Command, app *application, _ []string) error {
			filter := ledger.Filter{Lab: strings.TrimSpace(lab)}
			if strings.TrimSpace(state) != "" {
				parsed, err := ledger.ParseState(state)
				if err != nil {
					return err
				}
				filter.State = parsed
			}

			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "USER\tUSERNAME\tSTATE\tLAB\tENTERED\tUPDATED")
			for status, err := range app.ledger.AllCurrentStatus(ctx, filter, pageSize) {
				if err != nil {
					return err
				}
				entered := "-"
				if status.EnteredAt != nil {
					entered = status.EnteredAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
					status.UserID, status.Username, status.State, status.Lab(), entered,
					status.UpdatedAt.Local().Format(time.DateTime))
			}
			return writer.Flush()
		}),
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (inside, outside, unknown)")
	cmd.Flags().StringVar(&lab, "lab", "", "Filter by lab")
	cmd.Flags().IntVar(&pageSize, "page-size", 100, "Rows fetched per query")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <user-id>",
		Short: "Show the most recent ledger events of a user",
		Args:  cobra.ExactArgs(1),
		RunE: withApplication(func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			events, err := app.ledger.ListEvents(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	return cmd
}

func newUploadSessionCommand() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "upload-session <user-id> <storage-state.json>",
		Short: "Store a browser storage-state file as the session of a user",
		Args:  cobra.ExactArgs(2),
		RunE: withApplication(func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			payload, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			upload, err := app.sessions.Save(ctx, args[0], username, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session stored for %s (%d bytes, sha256 %s)\n", upload.UserID, upload.SizeBytes, upload.SHA256)
			return nil
		}),
	}
	cmd.Flags().StringVar(&username, "username", "", "Display name recorded with the upload")
	return cmd
}

func newRebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute current status from the event ledger",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(ctx context.Context, cmd *cobra.Command, app *application, _ []string) error {
			count, err := app.ledger.Rebuild(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt current status for %d users\n", count)
			return nil
		}),
	}
}

func newAdminTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "admin-token <subject>",
		Short: "Issue a bearer token for the admin API",
		Args:  cobra.ExactArgs(1),
		RunE: withApplication(func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			tokens, err := app.tokenIssuer()
			if err != nil {
				return err
			}
			token, expiresAt, err := tokens.IssueAdminToken(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		}),
	}
}

// reply prints the user-facing text and still reports err so the exit code reflects failures.
func reply(out io.Writer, text string, err error) error {
	fmt.Fprintln(out, text)
	return err
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
