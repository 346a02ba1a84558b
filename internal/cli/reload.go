package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pjaol/cdp-browser/internal/browser"
	"github.com/pjaol/cdp-browser/internal/watch"
	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload a page, once or whenever files change",
	Long: `Reloads a page and waits for it to load.

With --watch the page is reloaded every time a file under the given paths
changes, until interrupted. Hidden files, node_modules and vendor are ignored.`,
	Args: cobra.NoArgs,
	RunE: runReload,
}

func init() {
	reloadCmd.Flags().DurationP("timeout", "t", 30*time.Second, "Maximum time to wait for each reload")
	reloadCmd.Flags().String("target", "", "Target ID of the page to reload")
	reloadCmd.Flags().Bool("ignore-cache", false, "Bypass the browser cache")
	reloadCmd.Flags().StringSliceP("watch", "w", nil, "Reload when files under these paths change")
	reloadCmd.Flags().StringSlice("ignore", nil, "Glob patterns to ignore while watching")
	rootCmd.AddCommand(reloadCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	targetID, _ := cmd.Flags().GetString("target")
	ignoreCache, _ := cmd.Flags().GetBool("ignore-cache")
	paths, _ := cmd.Flags().GetStringSlice("watch")
	ignore, _ := cmd.Flags().GetStringSlice("ignore")

	c, err := connect(cmd.Context())
	if err != nil {
		return outputError(err.Error())
	}
	defer c.Close()

	attachCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
	s, err := c.page(attachCtx, targetID)
	cancel()
	if err != nil {
		return outputError(err.Error())
	}
	defer c.release(s)

	reload := func() error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return s.Reload(ctx, ignoreCache)
	}

	if len(paths) == 0 {
		if err := reload(); err != nil {
			return outputError(describeNavError(err, timeout))
		}
		return outputSuccess(nil)
	}

	w, err := watch.New(watch.Config{Paths: paths, Ignore: ignore, Log: c.log})
	if err != nil {
		return outputError(err.Error())
	}
	return watchAndReload(cmd.Context(), w, s, reload)
}

// watchAndReload reloads s after every change batch until ctx is done or
// the page goes away.
func watchAndReload(ctx context.Context, w *watch.Watcher, s *browser.Session, reload func() error) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var failed error
	fmt.Fprintf(os.Stderr, "Watching for changes, reloading %s (Ctrl-C to stop)\n", s.TargetID())
	err := w.Run(ctx, func(changed []string) {
		if err := reload(); err != nil {
			if s.Crashed() || s.Lifecycle() == browser.Detached {
				failed = err
				stop()
				return
			}
			fmt.Fprintf(os.Stderr, "Error: reload failed: %v\n", err)
			return
		}
		fmt.Fprintf(os.Stdout, "%s reloaded (%d changed)\n", time.Now().Format("15:04:05"), len(changed))
	})
	if failed != nil {
		return outputError(describeNavError(failed, 0))
	}
	if err != nil {
		return outputError(err.Error())
	}
	return nil
}
