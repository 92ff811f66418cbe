// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/autobrr/magnetcc/internal/models"
	"github.com/autobrr/magnetcc/internal/qbittorrent"
	"github.com/autobrr/magnetcc/internal/rules"
	"github.com/autobrr/magnetcc/internal/services/reconcile"
	"github.com/autobrr/magnetcc/internal/tracker"
)

// withApplication opens the application for one command and closes it afterwards.
// Commands that dispatch or mutate operator state run exclusive.
func withApplication(cmd *cobra.Command, opts *globalOptions, exclusive bool, fn func(ctx context.Context, app *Application) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openApplication(ctx, *opts, exclusive)
	if err != nil {
		if errors.Is(err, errLocked) {
			return fmt.Errorf("%w (stop the server or use the HTTP API instead)", err)
		}
		return err
	}
	defer app.Close()

	return fn(ctx, app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func RunScanCommand(opts *globalOptions) *cobra.Command {
	var asJSON bool

	command := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan and dispatch cycle, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, true, func(ctx context.Context, app *Application) error {
				res, err := app.scheduler.Trigger(ctx, "cli")
				if res.Report != nil {
					if asJSON {
						if perr := printJSON(cmd.OutOrStdout(), res.Report); perr != nil {
							return perr
						}
					} else {
						printReport(cmd.OutOrStdout(), res.Report)
					}
				}
				return err
			})
		},
	}

	command.Flags().BoolVar(&asJSON, "json", false, "print the cycle report as JSON")

	return command
}

func printReport(out io.Writer, r *reconcile.CycleReport) {
	fmt.Fprintf(out, "Scanned %d files: %d candidates (%s), %d new, %d warnings\n",
		r.Files, r.Candidates, humanize.Bytes(uint64(max(r.TotalBytes, 0))), r.New, r.Warnings)
	fmt.Fprintf(out, "Held back: %d unresolved, %d without a rule, %d rule conflicts, %d client config errors\n",
		r.Unresolved, r.NoPolicy, r.Conflicts, r.ConfigErrors)
	fmt.Fprintf(out, "Dispatch: %d added, %d adopted, %d deferred, %d failed, %d drift corrections, %d transitions\n",
		r.Added, r.Adopted, r.Deferred, r.Failed, r.Drifted, r.Transitions)
	fmt.Fprintf(out, "Took %s\n", r.Duration().Round(time.Millisecond))

	if len(r.Sessions) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tREACHABLE\tLOAD\tADDED\tDEFERRED\tFAILED\tERROR")
	for _, s := range r.Sessions {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%d\t%s\n", s.Client, s.Reachable, s.Load, s.Added, s.Deferred, s.Failed, s.Error)
	}
	_ = tw.Flush()
}

func RunSendCommand(opts *globalOptions) *cobra.Command {
	var client string

	command := &cobra.Command{
		Use:   "send <infohash>...",
		Short: "Send specific torrents to a client, ignoring auto-send",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, true, func(ctx context.Context, app *Application) error {
				var outcomes []reconcile.SendOutcome
				err := app.scheduler.Exclusive(ctx, "cli-send", func(ctx context.Context) error {
					var err error
					outcomes, err = app.service.Send(ctx, args, client)
					return err
				})
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "INFOHASH\tCLIENT\tSTATE\tREASON")
				for _, o := range outcomes {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.InfoHash, o.Client, o.State, o.Reason)
				}
				return tw.Flush()
			})
		},
	}

	command.Flags().StringVar(&client, "client", "", "client to send to (default: affinity routing)")

	return command
}

func RunResetSentCommand(opts *globalOptions) *cobra.Command {
	var trackerID string

	command := &cobra.Command{
		Use:   "reset-sent",
		Short: "Forget client references so torrents are dispatched again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, true, func(ctx context.Context, app *Application) error {
				var n int64
				err := app.scheduler.Exclusive(ctx, "cli-reset", func(ctx context.Context) error {
					var err error
					n, err = app.service.ResetSent(ctx, strings.ToLower(strings.TrimSpace(trackerID)))
					return err
				})
				if err != nil {
					return err
				}
				if trackerID == "" {
					cmd.Printf("Reset %d records\n", n)
				} else {
					cmd.Printf("Reset %d records for %s\n", n, trackerID)
				}
				return nil
			})
		},
	}

	command.Flags().StringVar(&trackerID, "tracker", "", "only reset records of this tracker identity")

	return command
}

func RunRulesCommand(opts *globalOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "rules",
		Short: "Manage per-tracker seeding rules",
	}

	command.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, false, func(ctx context.Context, app *Application) error {
				list, err := app.ruleStore.List(ctx)
				if err != nil {
					return err
				}
				printRules(cmd.OutOrStdout(), list)
				return nil
			})
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print stored rules as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, false, func(ctx context.Context, app *Application) error {
				list, err := app.ruleStore.List(ctx)
				if err != nil {
					return err
				}
				out, err := rules.MarshalYAML(list)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			})
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Replace all rules with the contents of a YAML file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, true, func(ctx context.Context, app *Application) error {
				list, err := readRules(cmd, args[0])
				if err != nil {
					return err
				}
				for _, r := range list {
					if r.Client == "" {
						continue
					}
					if err := app.pool.ConfigError(r.Client); errors.Is(err, qbittorrent.ErrClientNotFound) {
						return fmt.Errorf("rule for %s names unknown client %q", r.TrackerID, r.Client)
					}
				}

				if err := app.ruleStore.Replace(ctx, list); err != nil {
					return err
				}
				if err := app.engine.Load(ctx); err != nil {
					return err
				}
				cmd.Printf("Imported %d rules\n", len(list))
				if len(app.cfg.Config.Rules) > 0 {
					cmd.PrintErrln("Warning: the config file declares [[rules]], they replace these on the next start")
				}
				return reportConflicts(cmd, app)
			})
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Report rule conflicts and rules naming unusable clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, false, func(ctx context.Context, app *Application) error {
				return reportConflicts(cmd, app)
			})
		},
	})

	return command
}

func readRules(cmd *cobra.Command, path string) ([]*models.TrackerRule, error) {
	if path == "-" {
		return rules.ParseYAML(cmd.InOrStdin())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return rules.ParseYAML(f)
}

func reportConflicts(cmd *cobra.Command, app *Application) error {
	problems := 0
	for _, c := range app.engine.Validate() {
		cmd.PrintErrln("Conflict:", c.Error())
		problems++
	}
	for _, r := range app.engine.Rules() {
		if r.Client == "" {
			continue
		}
		if err := app.pool.ConfigError(r.Client); err != nil {
			cmd.PrintErrf("Rule %d (%s): client %q: %v\n", r.ID, r.TrackerID, r.Client, err)
			problems++
		}
	}
	if problems > 0 {
		return fmt.Errorf("%d rule problems found", problems)
	}
	cmd.Println("Rules are valid")
	return nil
}

func printRules(out io.Writer, list []*models.TrackerRule) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTRACKER\tPRIORITY\tCATEGORY\tRATIO\tSEED TIME\tAUTO-SEND\tCLIENT")
	for _, r := range list {
		ratio, seed, auto := "-", "-", "-"
		if r.RatioLimit != nil {
			ratio = strconv.FormatFloat(*r.RatioLimit, 'f', -1, 64)
		}
		if r.SeedTimeLimitMinutes != nil {
			seed = strconv.FormatInt(*r.SeedTimeLimitMinutes, 10) + "m"
		}
		if r.AutoSend != nil {
			auto = strconv.FormatBool(*r.AutoSend)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.TrackerID, r.Priority, r.Category, ratio, seed, auto, r.Client)
	}
	_ = tw.Flush()
}

func RunAliasesCommand(opts *globalOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "aliases",
		Short: "Manage announce host to tracker identity aliases",
	}

	command.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, false, func(ctx context.Context, app *Application) error {
				list, err := app.aliasStore.List(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "HOST\tIDENTITY\tSOURCE\tCREATED")
				for _, a := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Host, a.Identity, a.Source, humanize.Time(a.CreatedAt))
				}
				return tw.Flush()
			})
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "add <host> <identity>",
		Short: "Map an announce host to a tracker identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, true, func(ctx context.Context, app *Application) error {
				host, err := tracker.NormalizeHost(args[0])
				if err != nil {
					return err
				}
				if err := app.resolver.AddAlias(ctx, host, args[1]); err != nil {
					return err
				}
				cmd.Printf("%s -> %s\n", host, strings.ToLower(strings.TrimSpace(args[1])))
				return nil
			})
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "delete <host>",
		Short: "Remove an alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, true, func(ctx context.Context, app *Application) error {
				host, err := tracker.NormalizeHost(args[0])
				if err != nil {
					return err
				}
				if err := app.aliasStore.Delete(ctx, host); err != nil {
					return err
				}
				app.resolver.Forget()
				cmd.Printf("Deleted alias %s\n", host)
				return nil
			})
		},
	})

	return command
}

func RunRecordsCommand(opts *globalOptions) *cobra.Command {
	var (
		filter models.RecordFilter
		status string
		asJSON bool
	)

	command := &cobra.Command{
		Use:   "records",
		Short: "List torrent records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				filter.Status = models.RecordStatus(status)
				if !filter.Status.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
			}
			filter.TrackerID = strings.ToLower(strings.TrimSpace(filter.TrackerID))

			return withApplication(cmd, opts, false, func(ctx context.Context, app *Application) error {
				list, err := app.records.List(ctx, filter)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), list)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "INFOHASH\tTRACKER\tSTATUS\tCLIENT\tDISPATCH\tSIZE\tNAME")
				for _, r := range list {
					client := "-"
					if r.ClientRef != nil {
						client = r.ClientRef.Client
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.InfoHash, r.TrackerID, r.Status, client, r.DispatchState, humanize.Bytes(uint64(max(r.SizeBytes, 0))), r.Name)
				}
				return tw.Flush()
			})
		},
	}

	command.Flags().StringVar(&filter.TrackerID, "tracker", "", "only records of this tracker identity")
	command.Flags().StringVar(&filter.Client, "client", "", "only records held by this client")
	command.Flags().StringVar(&status, "status", "", "never_seeded, active or seeded_historical")
	command.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of records (0 for all)")
	command.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")

	return command
}

func RunTrackersCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trackers",
		Short: "Show seed counts per tracker identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, false, func(ctx context.Context, app *Application) error {
				counts, err := app.records.TrackerCounts(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TRACKER\tTOTAL\tACTIVE\tHISTORICAL\tNEVER SEEDED\tSENT")
				for _, c := range counts {
					id := c.TrackerID
					if id == "" {
						id = "(unresolved)"
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", id, c.Total, c.Active, c.Historical, c.NeverSeeded, c.Sent)
				}
				return tw.Flush()
			})
		},
	}
}
