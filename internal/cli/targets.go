package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/pjaol/cdp-browser/internal/browser"
	"github.com/spf13/cobra"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List browser targets",
	Long:  "Lists every target the browser reports: pages, workers, iframes and extensions.",
	Args:  cobra.NoArgs,
	RunE:  runTargets,
}

func init() {
	targetsCmd.Flags().StringP("type", "T", "", "Only show targets of this type (page, worker, iframe, ...)")
	rootCmd.AddCommand(targetsCmd)
}

func runTargets(cmd *cobra.Command, args []string) error {
	typ, _ := cmd.Flags().GetString("type")

	c, err := connect(cmd.Context())
	if err != nil {
		return outputError(err.Error())
	}
	defer c.Close()

	targets, err := c.browser.Targets(cmd.Context())
	if err != nil {
		return outputError(err.Error())
	}
	targets = filterTargets(targets, typ)

	if JSONOutput {
		return outputSuccess(targets)
	}
	printTargets(os.Stdout, targets)
	return nil
}

func filterTargets(targets []browser.TargetInfo, typ string) []browser.TargetInfo {
	if typ == "" {
		return targets
	}
	out := make([]browser.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type == typ {
			out = append(out, t)
		}
	}
	return out
}

func printTargets(w io.Writer, targets []browser.TargetInfo) {
	if len(targets) == 0 {
		fmt.Fprintln(w, "No targets")
		return
	}
	for _, t := range targets {
		id := t.TargetID
		if shouldUseColor() {
			id = color.New(color.FgCyan).Sprint(id)
		}
		fmt.Fprintf(w, "%s  %-8s %s", id, t.Type, t.URL)
		if t.Title != "" && t.Title != t.URL {
			fmt.Fprintf(w, "  %q", t.Title)
		}
		fmt.Fprintln(w)
	}
}
