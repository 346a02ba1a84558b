package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var evalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate JavaScript in the browser",
	Long:  "Evaluates a JavaScript expression in a page and prints the result. Promises are awaited.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEval,
}

func init() {
	evalCmd.Flags().DurationP("timeout", "t", 30*time.Second, "Timeout for async expressions")
	evalCmd.Flags().String("target", "", "Target ID of the page to evaluate in")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	targetID, _ := cmd.Flags().GetString("target")

	// Join all args to form the expression (allows shell-friendly use without quotes)
	expression := strings.Join(args, " ")

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

	value, err := s.Evaluate(ctx, expression)
	if err != nil {
		return outputError(err.Error())
	}

	if JSONOutput {
		result := map[string]any{"ok": true}
		if value != nil {
			result["value"] = value
		}
		return outputJSON(os.Stdout, result)
	}
	return printValue(os.Stdout, value)
}

// printValue prints strings raw and everything else as JSON.
// An undefined result prints nothing.
func printValue(w io.Writer, value json.RawMessage) error {
	if value == nil {
		return nil
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	_, err := fmt.Fprintln(w, string(value))
	return err
}
