package cmd

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/agentic-research/relbrowse/internal/browse"
)

func init() {
	countsCmd.Flags().StringVarP(&browseWhere, "where", "w", "", "Filter predicate over alias A")
	rootCmd.AddCommand(countsCmd)
}

var countsCmd = &cobra.Command{
	Use:   "counts <table>",
	Short: "Count the rows related to a table's loaded rows, per relationship",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		rels := relationshipsFrom(p, args[0])
		if len(rels) == 0 {
			return fmt.Errorf("no relationships start at %s", args[0])
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

		type result struct {
			rel *browse.Relationship
			rc  browse.RowCount
		}
		results := make(chan result, len(rels))
		for _, rel := range rels {
			rel := rel
			root.CountRows(nil, rel, func(rc browse.RowCount) {
				results <- result{rel: rel, rc: rc}
			})
		}

		data := pterm.TableData{{"Relationship", "Target", "Kind", "Rows"}}
		deadline := time.After(time.Minute)
		for range rels {
			select {
			case r := <-results:
				data = append(data, []string{r.rel.Name, r.rel.Target, r.rel.Kind.String(), formatCount(r.rc)})
			case <-deadline:
				return fmt.Errorf("timed out waiting for counts")
			}
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func formatCount(rc browse.RowCount) string {
	switch {
	case rc.Count < 0:
		return "?"
	case !rc.Exact:
		return fmt.Sprintf("%d+", rc.Count)
	default:
		return fmt.Sprintf("%d", rc.Count)
	}
}
