// cmd/themesync/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"themesync/internal/config"
	"themesync/internal/diff"
	"themesync/internal/logging"
	"themesync/internal/parcel"
	"themesync/internal/syncer"
	"themesync/shared/types"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "themesync",
	Short: "Themesync keeps themes and settings in sync across machines",
	Long: `Themesync synchronizes theme and settings files with a remote backend.
Each file is hashed and compared with the version last synced and the
remote head, then pushed, pulled or flagged as a conflict.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")

	var syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Synchronize every category with the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := initParcel()
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.Sync(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			printResult(result)
			if !result.Success {
				return fmt.Errorf("sync finished with errors")
			}
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show how every tracked file compares with the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := initParcel()
			if err != nil {
				return err
			}
			defer p.Close()

			statuses, err := p.Syncer.Status(cmd.Context(), p.User)
			if err != nil {
				return fmt.Errorf("getting status: %w", err)
			}
			if len(statuses) == 0 {
				fmt.Println("No tracked files")
				return nil
			}

			green := color.New(color.FgGreen).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()
			blue := color.New(color.FgBlue).SprintFunc()

			for _, cat := range shared.Categories() {
				printed := false
				for _, s := range statuses {
					if s.Category != cat {
						continue
					}
					if !printed {
						fmt.Printf("%s:\n", cat)
						printed = true
					}
					var mark string
					switch s.State {
					case shared.StateUpToDate:
						mark = green("=")
					case shared.StateLocalAhead:
						mark = yellow("↑")
					case shared.StateRemoteAhead:
						mark = blue("↓")
					case shared.StateConflict:
						mark = red("!")
					default:
						mark = blue("?")
					}
					fmt.Printf("\t%s %-40s %s\n", mark, s.Key, s.State)
				}
				if printed {
					fmt.Println()
				}
			}
			return nil
		},
	}

	var trackCmd = &cobra.Command{
		Use:   "track <category> <file>",
		Short: "Copy a file into a category and start tracking it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := shared.ParseCategory(args[0])
			if err != nil {
				return err
			}
			p, err := initParcel()
			if err != nil {
				return err
			}
			defer p.Close()

			key, err := p.Track(cat, args[1])
			if err != nil {
				return fmt.Errorf("tracking file: %w", err)
			}
			fmt.Printf("Tracking %s/%s\n", cat, key)
			return nil
		},
	}

	var untrackCmd = &cobra.Command{
		Use:   "untrack <category> <key>",
		Short: "Stop syncing a file and delete it locally and remotely",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := shared.ParseCategory(args[0])
			if err != nil {
				return err
			}
			p, err := initParcel()
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Syncer.Untrack(cmd.Context(), p.User, cat, args[1]); err != nil {
				return fmt.Errorf("untracking file: %w", err)
			}
			fmt.Printf("Untracked %s/%s\n", cat, args[1])
			return nil
		},
	}

	var resolveCmd = &cobra.Command{
		Use:   "resolve <category> <key> <local|remote>",
		Short: "Resolve a conflict by keeping one side",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := shared.ParseCategory(args[0])
			if err != nil {
				return err
			}
			res, err := syncer.ParseResolution(args[2])
			if err != nil {
				return err
			}
			p, err := initParcel()
			if err != nil {
				return err
			}
			defer p.Close()

			resp, err := p.Syncer.ResolveConflict(cmd.Context(), p.User, cat, args[1], res)
			if err != nil {
				return fmt.Errorf("resolving conflict: %w", err)
			}
			printResult(&shared.SyncResult{Success: resp.Status != shared.StatusError, Data: []shared.SyncResponse{resp}})
			if resp.Status == shared.StatusError || resp.Status == shared.StatusConflict {
				return fmt.Errorf("conflict not resolved")
			}
			return nil
		},
	}

	var diffCmd = &cobra.Command{
		Use:   "diff <category> <key>",
		Short: "Show local and remote changes of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := shared.ParseCategory(args[0])
			if err != nil {
				return err
			}
			p, err := initParcel()
			if err != nil {
				return err
			}
			defer p.Close()

			cmp, err := p.Syncer.Compare(cmd.Context(), p.User, cat, args[1])
			if err != nil {
				return fmt.Errorf("comparing file: %w", err)
			}

			fmt.Printf("%s/%s: %s\n", cat, cmp.Key, cmp.State)
			c := diff.NewEngine(3).Conflict(cmp.Base, cmp.Local, cmp.Remote)
			if !c.HasBase {
				fmt.Println("(no common version stored, showing remote -> local)")
				printColoredDiff(c.Local.Format())
				return nil
			}
			if !c.Local.Empty() {
				fmt.Println("\nLocal changes:")
				printColoredDiff(c.Local.Format())
			}
			if !c.Remote.Empty() {
				fmt.Println("\nRemote changes:")
				printColoredDiff(c.Remote.Format())
			}
			return nil
		},
	}

	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Sync whenever files under the content roots change",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := initParcel()
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// catch up before waiting for changes
			result, err := p.Sync(ctx)
			report(result, err)

			fmt.Println("Watching for changes, press Ctrl+C to stop")
			if err := p.Watch(ctx, report); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	var loginCmd = &cobra.Command{
		Use:   "login <token>",
		Short: "Store a session token for the remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := initParcel()
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Tokens.Save(args[0]); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}
			if _, err := p.Client.RemoteVersions(cmd.Context()); err != nil {
				color.Yellow("Token saved, but the remote rejected it: %v", err)
				return nil
			}
			fmt.Println("Signed in to", p.Client.BaseURL())
			return nil
		},
	}

	var logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := initParcel()
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Tokens.Clear(); err != nil {
				return fmt.Errorf("removing token: %w", err)
			}
			fmt.Println("Signed out")
			return nil
		},
	}

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(untrackCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

func initParcel() (*parcel.Parcel, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewDevelopment(verbose)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	p, err := parcel.New(cfg, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("initializing parcel: %w", err)
	}
	logger.Debug("parcel ready",
		zap.String("state_dir", cfg.Sync.StateDir),
		zap.String("remote", cfg.Remote.BaseURL),
	)
	return p, nil
}

func report(result *shared.SyncResult, err error) {
	if err != nil {
		color.Red("sync failed: %v", err)
		return
	}
	printResult(result)
}

func printResult(result *shared.SyncResult) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	if len(result.Data) == 0 {
		fmt.Println("Nothing to sync")
		return
	}

	for _, r := range result.Data {
		name := string(r.Type) + "/" + r.Key
		switch r.Status {
		case shared.StatusPushed:
			fmt.Printf("\t%s %s\n", green("pushed "), name)
		case shared.StatusPulled:
			fmt.Printf("\t%s %s\n", blue("pulled "), name)
		case shared.StatusUpToDate:
			fmt.Printf("\t%s %s\n", "current", name)
		case shared.StatusConflict:
			fmt.Printf("\t%s %s\n", yellow("conflict"), name)
			fmt.Printf("\t  (use \"themesync diff %s %s\" to inspect, \"themesync resolve %s %s local|remote\" to fix)\n",
				r.Type, r.Key, r.Type, r.Key)
		case shared.StatusError:
			fmt.Printf("\t%s %s: %s\n", red("error  "), name, r.Error)
		}
	}
}

func printColoredDiff(diff string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	for _, line := range strings.Split(strings.TrimSuffix(diff, "\n"), "\n") {
		switch {
		case line == "":
			fmt.Println()
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
