package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/ohler55/ojg/oj"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/agentic-research/relbrowse/internal/browse"
)

var exportOut string

func init() {
	exportCmd.Flags().StringVarP(&browseWhere, "where", "w", "", "Filter predicate over alias A")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export <table>",
	Short: "Export a table's loaded rows as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		a, err := openApp(p)
		if err != nil {
			return err
		}
		defer a.Close()

		root, err := a.browser.OpenRoot(args[0], browseWhere, p.DefaultLimit)
		if err != nil {
			return err
		}
		if err := a.waitLoaded(root, time.Minute); err != nil {
			return err
		}
		if err := jobError(root); err != nil {
			return err
		}

		out := oj.JSON(exportRecords(root), 2) + "\n"
		if exportOut == "" {
			_, err = os.Stdout.WriteString(out)
			return err
		}
		if err := os.WriteFile(exportOut, []byte(out), 0o644); err != nil {
			return err
		}
		pterm.Success.Printfln("wrote %d rows to %s", len(root.Rows()), exportOut)
		return nil
	},
}

func exportRecords(n *browse.Node) []map[string]any {
	cols := n.Columns()
	recs := make([]map[string]any, 0, len(n.Rows()))
	for _, r := range n.Rows() {
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			if i >= len(r.Values) {
				continue
			}
			// Large values export as their preview; null stays null.
			if s, ok := r.Values[i].(fmt.Stringer); ok {
				rec[c] = s.String()
			} else {
				rec[c] = r.Values[i]
			}
		}
		recs = append(recs, rec)
	}
	return recs
}
