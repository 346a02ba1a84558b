package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the connected browser's version",
	Long:  "Connects to the browser and prints the result of Browser.getVersion.",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	c, err := connect(cmd.Context())
	if err != nil {
		return outputError(err.Error())
	}
	defer c.Close()

	v, err := c.browser.Version(cmd.Context())
	if err != nil {
		return outputError(err.Error())
	}

	if JSONOutput {
		return outputSuccess(v)
	}
	fmt.Fprintf(os.Stdout, "Product:   %s\n", v.Product)
	fmt.Fprintf(os.Stdout, "Protocol:  %s\n", v.ProtocolVersion)
	fmt.Fprintf(os.Stdout, "Revision:  %s\n", v.Revision)
	fmt.Fprintf(os.Stdout, "UserAgent: %s\n", v.UserAgent)
	return nil
}
