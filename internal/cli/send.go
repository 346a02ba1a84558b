package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pjaol/cdp-browser/internal/cdp"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <method> [params-json]",
	Short: "Send a raw CDP command",
	Long: `Sends one DevTools protocol command and prints its result.

Without --session the command goes to the browser target. With --page the
command is sent over a session attached to the first page target.

Examples:
  cdpctl send Browser.getVersion
  cdpctl send Target.createTarget '{"url":"about:blank"}'
  cdpctl send --page Runtime.evaluate '{"expression":"document.title","returnByValue":true}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().DurationP("timeout", "t", 30*time.Second, "Maximum time to wait for the response")
	sendCmd.Flags().StringP("session", "s", "", "Session ID to route the command to")
	sendCmd.Flags().Bool("page", false, "Attach to the first page target and send over its session")
	sendCmd.MarkFlagsMutuallyExclusive("session", "page")
	rootCmd.AddCommand(sendCmd)
}

// parseParams validates the optional params argument. Params must be a JSON
// object. A missing or empty argument yields nil so no params field is sent.
func parseParams(args []string) (any, error) {
	if len(args) < 2 || args[1] == "" {
		return nil, nil
	}
	raw := json.RawMessage(args[1])
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return raw, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	sessionID, _ := cmd.Flags().GetString("session")
	onPage, _ := cmd.Flags().GetBool("page")

	method := args[0]
	params, err := parseParams(args)
	if err != nil {
		return outputError(err.Error())
	}

	c, err := connect(cmd.Context())
	if err != nil {
		return outputError(err.Error())
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var result json.RawMessage
	switch {
	case onPage:
		s, err := c.page(ctx, "")
		if err != nil {
			return outputError(err.Error())
		}
		defer c.release(s)
		result, err = s.Send(ctx, method, params)
		if err != nil {
			return outputError(describeSendError(err))
		}
	case sessionID != "":
		result, err = c.browser.Conn().SendToSession(ctx, sessionID, method, params)
		if err != nil {
			return outputError(describeSendError(err))
		}
	default:
		result, err = c.browser.Conn().Send(ctx, method, params)
		if err != nil {
			return outputError(describeSendError(err))
		}
	}

	if JSONOutput {
		return outputSuccess(result)
	}
	return printValue(os.Stdout, result)
}

// describeSendError prefixes protocol errors with their code.
func describeSendError(err error) string {
	var ce *cdp.Error
	if errors.As(err, &ce) {
		return fmt.Sprintf("%s (code %d)", ce.Message, ce.Code)
	}
	return err.Error()
}
