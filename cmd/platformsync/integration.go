package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/control"
	"github.com/njoerd114/platformsync/internal/model"
)

// tokenEnv supplies the access token when --token is omitted, keeping it out
// of shell history.
const tokenEnv = "PLATFORMSYNC_TOKEN"

func newIntegrationCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "integration",
		Aliases: []string{"integrations", "int"},
		Short:   "Manage platform integrations",
	}
	cmd.AddCommand(
		newIntegrationAddCmd(g),
		newIntegrationListCmd(g),
		newIntegrationUpdateCmd(g),
		newIntegrationByIDCmd(g, "remove", "Unload and soft-delete an integration", func(c *cobraCtx, id string) error {
			if err := c.app.control.DeleteIntegration(c.ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "integration %s removed\n", id)
			return nil
		}),
		newIntegrationByIDCmd(g, "pause", "Stop syncing an integration", func(c *cobraCtx, id string) error {
			in, err := c.app.control.Pause(c.ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "integration %s %s\n", in.ID, in.SyncStatus)
			return nil
		}),
		newIntegrationByIDCmd(g, "resume", "Resume syncing a paused integration", func(c *cobraCtx, id string) error {
			in, err := c.app.control.Resume(c.ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "integration %s resumed\n", in.ID)
			return nil
		}),
		newIntegrationByIDCmd(g, "status", "Show an integration and its live health", func(c *cobraCtx, id string) error {
			rep, err := c.app.control.Status(c.ctx, id)
			if err != nil {
				return err
			}
			// Adapters live in the daemon; check the credentials instead.
			in := rep.Integration
			if rep.Health == model.HealthNotLoaded && in.IsActive && in.SyncStatus != model.SyncStatusPaused {
				rep.Health = adapter.HealthOf(c.app.control.Test(c.ctx, id))
			}
			printStatus(c.out, rep)
			return nil
		}),
		newIntegrationByIDCmd(g, "test", "Check an integration's credentials", func(c *cobraCtx, id string) error {
			if err := c.app.control.Test(c.ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "integration %s: credentials ok\n", id)
			return nil
		}),
	)
	return cmd
}

// settingsFlags are the sync settings shared by add and update.
type settingsFlags struct {
	frequency string
	types     []string
	oneWay    bool
	noAuto    bool
}

func (s *settingsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.frequency, "frequency", string(model.FrequencyRealtime), "realtime, hourly, daily or weekly")
	cmd.Flags().StringSliceVar(&s.types, "types", nil, "entity types to sync (default task,message,file,comment)")
	cmd.Flags().BoolVar(&s.oneWay, "import-only", false, "never push internal changes to the platform")
	cmd.Flags().BoolVar(&s.noAuto, "no-auto-sync", false, "skip scheduled syncs")
}

// apply overlays the flags set on cmd onto base. With all set to true every
// flag is applied, changed or not.
func (s *settingsFlags) apply(cmd *cobra.Command, base model.SyncSettings, all bool) (*model.SyncSettings, error) {
	changed := func(name string) bool { return all || cmd.Flags().Changed(name) }
	if changed("frequency") {
		base.Frequency = model.Frequency(s.frequency)
	}
	if changed("types") {
		base.EntityTypes = make([]model.EntityType, 0, len(s.types))
		for _, t := range s.types {
			et, err := model.ParseEntityType(strings.TrimSpace(t))
			if err != nil {
				return nil, err
			}
			base.EntityTypes = append(base.EntityTypes, et)
		}
	}
	if changed("import-only") {
		base.Bidirectional = !s.oneWay
	}
	if changed("no-auto-sync") {
		base.AutoSync = !s.noAuto
	}
	return &base, nil
}

func (s *settingsFlags) changed(cmd *cobra.Command) bool {
	for _, name := range []string{"frequency", "types", "import-only", "no-auto-sync"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func newIntegrationAddCmd(g *globalFlags) *cobra.Command {
	var (
		req      control.CreateRequest
		platform string
		refresh  string
		sf       settingsFlags
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Connect a new integration and run its first sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := sf.apply(cmd, model.DefaultSyncSettings(), true)
			if err != nil {
				return err
			}
			req.Platform = model.Platform(platform)
			req.SyncSettings = settings
			if req.Credentials.AccessToken == "" {
				req.Credentials.AccessToken = os.Getenv(tokenEnv)
			}
			req.Credentials.RefreshToken = refresh

			a, err := newApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			in, err := a.control.CreateIntegration(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "integration %s created (%s, status %s)\n", in.ID, in.Platform, in.SyncStatus)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.WorkspaceID, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&req.Name, "name", "", "display name")
	cmd.Flags().StringVar(&platform, "platform", "", "chat, issue-tracker, design, board, office-suite or todo")
	cmd.Flags().StringVar(&req.Credentials.AccessToken, "token", "", "access token (default $"+tokenEnv+")")
	cmd.Flags().StringVar(&refresh, "refresh-token", "", "OAuth2 refresh token")
	cmd.Flags().StringToStringVar(&req.Config, "set", nil, "platform config key=value, repeatable")
	sf.register(cmd)
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newIntegrationUpdateCmd(g *globalFlags) *cobra.Command {
	var (
		name    string
		token   string
		refresh string
		cfgVals map[string]string
		sf      settingsFlags
	)
	cmd := &cobra.Command{
		Use:   "update <integration-id>",
		Short: "Change an integration's name, config, credentials or sync settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req control.UpdateRequest
			flags := cmd.Flags()
			if flags.Changed("name") {
				req.Name = &name
			}
			if flags.Changed("set") {
				req.Config = cfgVals
			}
			if flags.Changed("token") || flags.Changed("refresh-token") {
				req.Credentials = &model.Credentials{AccessToken: token, RefreshToken: refresh}
			}

			a, err := newApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if sf.changed(cmd) {
				current, err := a.control.GetIntegration(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if req.SyncSettings, err = sf.apply(cmd, current.SyncSettings, false); err != nil {
					return err
				}
			}
			in, err := a.control.UpdateIntegration(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "integration %s updated\n", in.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&token, "token", "", "access token")
	cmd.Flags().StringVar(&refresh, "refresh-token", "", "OAuth2 refresh token")
	cmd.Flags().StringToStringVar(&cfgVals, "set", nil, "replace platform config with key=value pairs")
	sf.register(cmd)
	return cmd
}

func newIntegrationListCmd(g *globalFlags) *cobra.Command {
	var (
		f        control.ListFilter
		platform string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List integrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			f.Platform = model.Platform(platform)
			list, err := a.control.ListIntegrations(cmd.Context(), f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPLATFORM\tWORKSPACE\tSTATUS\tFREQUENCY\tLAST SYNC")
			for _, in := range list {
				status := string(in.SyncStatus)
				if !in.IsActive {
					status = "deleted"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					in.ID, in.Name, in.Platform, in.WorkspaceID, status, in.SyncSettings.Frequency, formatTime(in.LastSync))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace", "", "only this workspace")
	cmd.Flags().StringVar(&platform, "platform", "", "only this platform")
	cmd.Flags().BoolVar(&f.IncludeInactive, "all", false, "include deleted integrations")
	return cmd
}

// cobraCtx bundles what a single-id subcommand needs.
type cobraCtx struct {
	ctx context.Context
	app *app
	out io.Writer
}

func newIntegrationByIDCmd(g *globalFlags, use, short string, run func(c *cobraCtx, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <integration-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(&cobraCtx{ctx: cmd.Context(), app: a, out: cmd.OutOrStdout()}, args[0])
		},
	}
}

func printStatus(w io.Writer, rep *control.StatusReport) {
	in := rep.Integration
	s := in.SyncSettings
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", in.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", in.Name)
	fmt.Fprintf(tw, "Platform:\t%s\n", in.Platform)
	fmt.Fprintf(tw, "Workspace:\t%s\n", in.WorkspaceID)
	fmt.Fprintf(tw, "Active:\t%t\n", in.IsActive)
	fmt.Fprintf(tw, "Status:\t%s\n", in.SyncStatus)
	fmt.Fprintf(tw, "Health:\t%s\n", rep.Health)
	fmt.Fprintf(tw, "Frequency:\t%s (auto-sync %t, bidirectional %t)\n", s.Frequency, s.AutoSync, s.Bidirectional)
	fmt.Fprintf(tw, "Types:\t%s\n", joinTypes(s.EntityTypes))
	fmt.Fprintf(tw, "Last sync:\t%s\n", formatTime(in.LastSync))
	if n := len(in.ErrorLog); n > 0 {
		last := in.ErrorLog[n-1]
		fmt.Fprintf(tw, "Errors:\t%d recorded, last at %s: [%s] %s %s\n",
			n, formatTime(last.Timestamp), last.Code, last.Operation, last.Message)
	}
	_ = tw.Flush()
}

func joinTypes(types []model.EntityType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
