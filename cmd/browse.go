package cmd

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/agentic-research/relbrowse/internal/browse"
)

var (
	browseWhere    string
	browseFollow   []string
	browseDistinct bool
	browseSelect   int
)

func init() {
	browseCmd.Flags().StringVarP(&browseWhere, "where", "w", "", "Filter predicate over alias A")
	browseCmd.Flags().StringArrayVarP(&browseFollow, "follow", "f", nil, "Relationship to follow from the previous table (repeatable)")
	browseCmd.Flags().BoolVar(&browseDistinct, "distinct", false, "Deduplicate rows reached through multiple parents")
	browseCmd.Flags().IntVar(&browseSelect, "select", -1, "Row index to select; marks its closure in followed tables")
	rootCmd.AddCommand(browseCmd)
}

var browseCmd = &cobra.Command{
	Use:   "browse <table>",
	Short: "Load a table and the relationships following from it",
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

		nodes := []*browse.Node{root}
		cur := root
		for _, name := range browseFollow {
			rel, err := findRelationship(p, name)
			if err != nil {
				return err
			}
			child, err := cur.OpenChild(rel, "", p.DefaultLimit)
			if err != nil {
				return err
			}
			if browseDistinct {
				child.SetDistinct(true)
				child.ReloadRows("distinct requested")
			}
			if err := a.waitLoaded(child, time.Minute); err != nil {
				return err
			}
			if err := jobError(child); err != nil {
				return err
			}
			nodes = append(nodes, child)
			cur = child
		}

		if browseSelect >= 0 {
			root.Select(browseSelect)
			// Descendants that hit their limit reload now over the selection.
			for _, n := range nodes[1:] {
				if err := drainReload(a, n); err != nil {
					return err
				}
			}
		}

		for _, n := range nodes {
			renderNode(a.browser, n, browseSelect >= 0)
		}
		return nil
	},
}

func jobError(n *browse.Node) error {
	if j := n.CurrentJob(); j != nil {
		return j.Err()
	}
	return nil
}

// drainReload waits out a follow-up reload triggered by a selection, if one
// was enqueued for the node.
func drainReload(a *app, n *browse.Node) error {
	if j := n.CurrentJob(); j != nil && !j.Finished() {
		if err := a.waitLoaded(n, time.Minute); err != nil {
			return err
		}
		return jobError(n)
	}
	return nil
}

func renderNode(b *browse.Browser, n *browse.Node, markClosure bool) {
	header := n.Table()
	if rel := n.Relationship(); rel != nil {
		header += " (via " + rel.Name + ")"
	}
	pterm.DefaultSection.Println(header)

	cols := n.Columns()
	head := cols
	if markClosure {
		head = append([]string{""}, cols...)
	}
	data := pterm.TableData{head}
	for _, r := range n.Rows() {
		cells := make([]string, 0, len(head))
		if markClosure {
			mark := ""
			if b.Closure().ContainsSeq(n, r.Seq) {
				mark = "*"
			}
			cells = append(cells, mark)
		}
		for _, v := range r.Values {
			cells = append(cells, fmt.Sprint(renderValue(v)))
		}
		data = append(data, cells)
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Error.Printfln("render: %v", err)
	}

	var notes []string
	if n.LimitExceeded() {
		notes = append(notes, "row limit exceeded")
	}
	if n.ClosureLimitExceeded() {
		notes = append(notes, "closure cut off by row limit")
	}
	if d := n.DistinctRows(); d > 0 || n.NonDistinctRows() > 0 {
		notes = append(notes, fmt.Sprintf("%d distinct, %d duplicate", d, n.NonDistinctRows()))
	}
	for _, note := range notes {
		pterm.Info.Println(note)
	}
}
