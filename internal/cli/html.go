package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pjaol/cdp-browser/internal/htmlformat"
	"github.com/spf13/cobra"
)

var htmlCmd = &cobra.Command{
	Use:   "html [selector]",
	Short: "Print the page HTML",
	Long: `Prints the HTML of the current page, or of the first element matching
selector, formatted for reading. Use --raw for the unformatted outerHTML.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHTML,
}

func init() {
	htmlCmd.Flags().DurationP("timeout", "t", 30*time.Second, "Maximum time to wait for the page")
	htmlCmd.Flags().String("target", "", "Target ID of the page")
	htmlCmd.Flags().Bool("raw", false, "Print outerHTML without formatting")
	htmlCmd.Flags().Bool("no-scripts", false, "Omit script and style elements")
	htmlCmd.Flags().Int("max-depth", 0, "Collapse elements nested deeper than this (0 for no limit)")
	rootCmd.AddCommand(htmlCmd)
}

// outerHTMLExpression returns the script that reads the HTML to print.
func outerHTMLExpression(selector string) string {
	if selector == "" {
		return "document.documentElement.outerHTML"
	}
	return fmt.Sprintf("document.querySelector(%s)?.outerHTML ?? null", strconv.Quote(selector))
}

func runHTML(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	targetID, _ := cmd.Flags().GetString("target")
	raw, _ := cmd.Flags().GetBool("raw")
	noScripts, _ := cmd.Flags().GetBool("no-scripts")
	maxDepth, _ := cmd.Flags().GetInt("max-depth")

	var selector string
	if len(args) > 0 {
		selector = args[0]
	}

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

	value, err := s.Evaluate(ctx, outerHTMLExpression(selector))
	if err != nil {
		return outputError(err.Error())
	}
	var doc *string
	if err := json.Unmarshal(value, &doc); err != nil || doc == nil {
		if selector != "" {
			return outputError(fmt.Sprintf("no element matches %q", selector))
		}
		return outputError("page returned no HTML")
	}

	out := *doc
	if !raw {
		out, err = htmlformat.Format(out, htmlformat.Options{
			MaxDepth:     maxDepth,
			StripScripts: noScripts,
		})
		if err != nil {
			return outputError(err.Error())
		}
	}

	if JSONOutput {
		return outputSuccess(map[string]string{"html": out})
	}
	_, err = fmt.Fprint(os.Stdout, out)
	return err
}
