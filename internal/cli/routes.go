package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"mountgw/internal/config"
	"mountgw/internal/health"
	"mountgw/internal/logging"
	"mountgw/internal/routes"
)

// isTerminal is swapped in tests.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	disabledStyle = cellStyle.Foreground(lipgloss.Color("243"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// openStore loads the route file directly. A running gateway picks the
// change up through its watcher.
func openStore(cmd *cobra.Command) (*routes.Store, config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, config.Config{}, err
	}
	store := routes.NewStore(cfg.RouteFileCandidates(), logging.Discard())
	if _, err := store.Reload(); err != nil {
		return nil, config.Config{}, err
	}
	return store, cfg, nil
}

func newRoutesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect and edit the route file",
	}
	cmd.AddCommand(newRoutesListCmd())
	cmd.AddCommand(newRoutesAddCmd())
	cmd.AddCommand(newRoutesUpdateCmd())
	cmd.AddCommand(newRoutesToggleCmd())
	cmd.AddCommand(newRoutesRemoveCmd())
	cmd.AddCommand(newRoutesCheckCmd())
	return cmd
}

func newRoutesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured routes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			rs := store.Snapshot().Routes()
			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				if rs == nil {
					rs = []routes.Route{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rs)
			}
			if len(rs) == 0 {
				fmt.Fprintf(out, "No routes in %s\n", store.ActivePath())
				return nil
			}
			if isTerminal(out) {
				fmt.Fprintln(out, renderRouteTable(rs))
				return nil
			}
			for _, r := range rs {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Path, r.Target,
					onOff(r.Enabled), rewriteLabel(r.RewriteContent), r.Description)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print routes as JSON")
	return cmd
}

func renderRouteTable(rs []routes.Route) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("ID", "PATH", "TARGET", "STATE", "MODE", "DESCRIPTION")
	for _, r := range rs {
		t.Row(r.ID, r.Path, r.Target, onOff(r.Enabled), rewriteLabel(r.RewriteContent), r.Description)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case row >= 0 && row < len(rs) && !rs[row].Enabled:
			return disabledStyle
		default:
			return cellStyle
		}
	})
	return t.String()
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func rewriteLabel(rewrite bool) string {
	if rewrite {
		return "rewrite"
	}
	return "passthrough"
}

func newRoutesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add PATH TARGET",
		Short: "Mount TARGET under PATH",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			description, _ := cmd.Flags().GetString("description")
			disabled, _ := cmd.Flags().GetBool("disabled")
			noRewrite, _ := cmd.Flags().GetBool("no-rewrite")
			enabled, rewrite := !disabled, !noRewrite
			route, err := store.Create(routes.Patch{
				Path:           &args[0],
				Target:         &args[1],
				Description:    &description,
				Enabled:        &enabled,
				RewriteContent: &rewrite,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s: %s -> %s\n", route.ID, route.Path, route.Target)
			return nil
		},
	}
	cmd.Flags().String("description", "", "Free-text description")
	cmd.Flags().Bool("disabled", false, "Create the route disabled")
	cmd.Flags().Bool("no-rewrite", false, "Proxy bodies unmodified")
	return cmd
}

func newRoutesUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change fields of a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p routes.Patch
			flags := cmd.Flags()
			for name, dst := range map[string]**string{
				"path":        &p.Path,
				"target":      &p.Target,
				"description": &p.Description,
			} {
				if flags.Changed(name) {
					v, _ := flags.GetString(name)
					*dst = &v
				}
			}
			for name, dst := range map[string]**bool{
				"enabled": &p.Enabled,
				"rewrite": &p.RewriteContent,
			} {
				if flags.Changed(name) {
					v, _ := flags.GetBool(name)
					*dst = &v
				}
			}
			if p == (routes.Patch{}) {
				return fmt.Errorf("nothing to update; pass at least one of --path, --target, --description, --enabled, --rewrite")
			}
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			route, err := store.Update(args[0], p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s: %s -> %s (%s, %s)\n", route.ID, route.Path, route.Target,
				onOff(route.Enabled), rewriteLabel(route.RewriteContent))
			return nil
		},
	}
	cmd.Flags().String("path", "", "New mount prefix")
	cmd.Flags().String("target", "", "New upstream origin")
	cmd.Flags().String("description", "", "New description")
	cmd.Flags().Bool("enabled", true, "Enable or disable the route")
	cmd.Flags().Bool("rewrite", true, "Rewrite HTML, JS and CSS bodies")
	return cmd
}

func newRoutesToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle ID",
		Short: "Flip a route between enabled and disabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			route, err := store.Toggle(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", route.Path, onOff(route.Enabled))
			return nil
		},
	}
}

func newRoutesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"remove", "delete"},
		Short:   "Delete a route",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			route, err := store.Delete(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%s)\n", route.ID, route.Path)
			return nil
		},
	}
}

func newRoutesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [ID...]",
		Short: "Probe route targets (all enabled routes when no ID is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openStore(cmd)
			if err != nil {
				return err
			}
			t := store.Snapshot()
			targets := t.Enabled()
			if len(args) > 0 {
				targets = targets[:0:0]
				for _, id := range args {
					r, ok := t.ByID(id)
					if !ok {
						return fmt.Errorf("%w: %s", routes.ErrNotFound, id)
					}
					targets = append(targets, r)
				}
			}
			if len(targets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No routes to check")
				return nil
			}

			prober := health.NewProber(cfg.HealthTimeout, nil, logging.Discard(), nil)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			tty := isTerminal(cmd.OutOrStdout())
			unhealthy := 0
			for _, r := range targets {
				res := prober.Probe(ctx, r)
				detail := strconv.FormatInt(res.LatencyMs, 10) + "ms"
				if res.Healthy() {
					detail = fmt.Sprintf("HTTP %d, %s", res.StatusCode, detail)
				} else {
					unhealthy++
					detail = res.Error
				}
				status := res.Status
				if tty {
					style := okStyle
					if !res.Healthy() {
						style = failStyle
					}
					status = style.Render(strings.ToUpper(status))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-20s %s (%s)\n", status, r.Path, r.Target, detail)
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d of %d routes unhealthy", unhealthy, len(targets))
			}
			return nil
		},
	}
}
