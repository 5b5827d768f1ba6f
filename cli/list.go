package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"netscript/console"
)

var listDir string

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listDir, "dir", "", "Scripts directory (default scripts_dir from config)")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the test scripts available to run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := listDir
		if dir == "" {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.ScriptsDir
		}

		catalog := console.NewCatalog(dir, app.logger)
		if err := catalog.Refresh(); err != nil {
			return err
		}
		entries := catalog.List()

		if flags.JSONOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTITLE\tCLIENTS\tSTEPS\tWARNINGS")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n",
				e.Name, e.Script.Name, e.Script.RequireClients, len(e.Script.Steps), len(e.Script.Warnings))
		}
		return tw.Flush()
	},
}
