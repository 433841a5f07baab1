package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/agentic-research/relbrowse/api"
	"github.com/agentic-research/relbrowse/internal/browse"
	"github.com/agentic-research/relbrowse/internal/cancel"
	"github.com/agentic-research/relbrowse/internal/dbsession"
	"github.com/agentic-research/relbrowse/internal/rows"
)

var (
	profilePath string
	driverFlag  string
	dsnFlag     string
	limitFlag   int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&profilePath, "profile", "p", "", "Path to connection profile")
	rootCmd.PersistentFlags().StringVar(&driverFlag, "driver", "", "Database driver (sqlite or pgx)")
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "Data source name")
	rootCmd.PersistentFlags().IntVar(&limitFlag, "limit", 0, "Row limit per table")
}

var rootCmd = &cobra.Command{
	Use:           "relbrowse",
	Short:         "Relbrowse: asynchronous relational data browser",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadProfile resolves the connection profile: file, then flags, then the
// DATABASE_URL environment as the DSN of last resort.
func loadProfile() (*api.Profile, error) {
	p := &api.Profile{}

	path := profilePath
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".agentic-research", "relbrowse", "profile.json")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read profile: %w", err)
		}
		if err := oj.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parse profile %s: %w", path, err)
		}
	}

	if driverFlag != "" {
		p.Driver = driverFlag
	}
	if dsnFlag != "" {
		p.DSN = dsnFlag
	}
	if limitFlag > 0 {
		p.DefaultLimit = limitFlag
	}
	if p.DSN == "" {
		p.DSN = os.Getenv("DATABASE_URL")
	}
	if p.DSN == "" {
		return nil, fmt.Errorf("no data source: set --dsn, a profile dsn or DATABASE_URL")
	}
	if p.Driver == "" {
		if strings.HasPrefix(p.DSN, "postgres://") || strings.HasPrefix(p.DSN, "postgresql://") {
			p.Driver = "pgx"
		} else {
			p.Driver = "sqlite"
		}
	}
	return p, nil
}

// app bundles the session and browser of one command invocation and turns
// the asynchronous content-change callbacks into a channel the command can
// wait on.
type app struct {
	session *dbsession.SQLSession
	browser *browse.Browser
	loaded  chan *browse.Node
}

func openApp(p *api.Profile) (*app, error) {
	registry := cancel.NewRegistry()
	session, err := dbsession.Open(p.Driver, p.DSN, registry)
	if err != nil {
		return nil, err
	}
	a := &app{
		session: session,
		loaded:  make(chan *browse.Node, 64),
	}
	a.browser = browse.New(browse.Config{
		Session:  session,
		Registry: registry,
		Workers:  p.Workers,
		OnContentChange: func(n *browse.Node, rs []*rows.Row, final bool) {
			if final {
				a.loaded <- n
			}
		},
		OnError: func(n *browse.Node, err error) {
			pterm.Error.Printfln("load of %s failed: %v", n.Table(), err)
			a.loaded <- n
		},
	})
	return a, nil
}

func (a *app) Close() {
	a.browser.Close()
	_ = a.session.Close()
}

// waitLoaded blocks until node n has published a load result (or a load
// error) or the timeout elapses.
func (a *app) waitLoaded(n *browse.Node, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case m := <-a.loaded:
			if m == n {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for %s to load", n.Table())
		}
	}
}

// findRelationship looks an edge up by name.
func findRelationship(p *api.Profile, name string) (*browse.Relationship, error) {
	for _, r := range p.Relationships {
		if r.Name == name {
			return toRelationship(r), nil
		}
	}
	return nil, fmt.Errorf("relationship %q not found in profile", name)
}

// relationshipsFrom returns every edge starting at source.
func relationshipsFrom(p *api.Profile, source string) []*browse.Relationship {
	var out []*browse.Relationship
	for _, r := range p.Relationships {
		if r.Source == source {
			out = append(out, toRelationship(r))
		}
	}
	return out
}

func toRelationship(r api.Relationship) *browse.Relationship {
	kind := browse.Association
	switch r.Kind {
	case "parent":
		kind = browse.Parent
	case "child":
		kind = browse.Child
	}
	return &browse.Relationship{
		Name:   r.Name,
		Source: r.Source,
		Target: r.Target,
		Join:   r.Join,
		Kind:   kind,
	}
}

// renderValue formats one cell for display or export.
func renderValue(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case fmt.Stringer:
		return x.String()
	default:
		return v
	}
}
