package cmd

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/agentic-research/relbrowse/internal/cancel"
	"github.com/agentic-research/relbrowse/internal/dbsession"
)

func init() {
	rootCmd.AddCommand(tablesCmd)
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the tables of the data source",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		session, err := dbsession.Open(p.Driver, p.DSN, cancel.NewRegistry())
		if err != nil {
			return err
		}
		defer func() { _ = session.Close() }()

		tables, err := session.Tables()
		if err != nil {
			return err
		}

		data := pterm.TableData{{"Table", "Columns", "Primary Key"}}
		for _, t := range tables {
			cols, err := session.PhysicalColumns(t)
			if err != nil {
				return err
			}
			pk, err := session.PrimaryKeyColumns(t)
			if err != nil {
				return err
			}
			data = append(data, []string{t, strings.Join(cols, ", "), strings.Join(pk, ", ")})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}
