package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pjaol/cdp-browser/internal/cdp"
	"github.com/spf13/cobra"
)

var navigateCmd = &cobra.Command{
	Use:   "navigate <url>",
	Short: "Navigate a page to a URL",
	Long: `Navigates a page and waits for its load event.

Without --target the first page target is used, and a new tab is opened if
the browser has none. The URL protocol defaults to https://, or http:// for
localhost addresses.`,
	Args: cobra.ExactArgs(1),
	RunE: runNavigate,
}

func init() {
	navigateCmd.Flags().DurationP("timeout", "t", 30*time.Second, "Maximum time to wait for the page to load")
	navigateCmd.Flags().String("target", "", "Target ID of the page to navigate")
	rootCmd.AddCommand(navigateCmd)
}

// normalizeURL adds a protocol when url has none.
func normalizeURL(url string) string {
	if strings.Contains(url, "://") || strings.HasPrefix(url, "about:") || strings.HasPrefix(url, "data:") {
		return url
	}

	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "localhost") ||
		strings.HasPrefix(lower, "127.0.0.1") ||
		strings.HasPrefix(lower, "0.0.0.0") {
		return "http://" + url
	}
	return "https://" + url
}

func runNavigate(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	targetID, _ := cmd.Flags().GetString("target")
	url := normalizeURL(args[0])

	c, err := connect(cmd.Context())
	if err != nil {
		return outputError(err.Error())
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	s, err := c.page(ctx, targetID)
	if err != nil {
		return outputError(err.Error())
	}
	defer c.release(s)

	debugf(c.log, "navigating %s to %s", s.TargetID(), url)
	if err := s.Navigate(ctx, url); err != nil {
		return outputError(describeNavError(err, timeout))
	}

	if JSONOutput {
		return outputSuccess(map[string]string{
			"url":      url,
			"targetId": s.TargetID(),
		})
	}
	return outputSuccess(nil)
}

// describeNavError shortens the errors users see most often.
func describeNavError(err error, timeout time.Duration) string {
	var te *cdp.TimeoutError
	switch {
	case errors.As(err, &te):
		return fmt.Sprintf("page did not finish loading within %s", timeout)
	case errors.Is(err, cdp.ErrTargetCrashed):
		return "page crashed during navigation"
	case errors.Is(err, cdp.ErrConnectionLost):
		return "lost connection to the browser"
	}
	return err.Error()
}
