package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/xerrors"

	"github.com/coder/roomctl/fleet"
	"github.com/coder/serpent"
)

func (r *RootCmd) bots() *serpent.Command {
	return &serpent.Command{
		Use:   "bots",
		Short: "List the configured bots and check that their scripts can be read",
		Handler: func(inv *serpent.Invocation) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			catalog := fleet.NewCatalog(r.fs, cfg.Bots)
			names := catalog.Names()
			if len(names) == 0 {
				_, _ = fmt.Fprintln(inv.Stdout, "No bots are configured.")
				return nil
			}

			tw := table.NewWriter()
			tw.SetStyle(table.StyleLight)
			tw.AppendHeader(table.Row{"Name", "Script", "Size", "Status"})
			broken := 0
			for _, name := range names {
				path, _ := catalog.Path(name)
				payload, err := catalog.Payload(name)
				if err != nil {
					broken++
					tw.AppendRow(table.Row{name, path, "-", err.Error()})
					continue
				}
				tw.AppendRow(table.Row{name, path, humanize.Bytes(uint64(len(payload))), "ok"})
			}
			_, _ = fmt.Fprintln(inv.Stdout, tw.Render())

			if broken > 0 {
				return xerrors.Errorf("%d of %d bots cannot be loaded", broken, len(names))
			}
			return nil
		},
	}
}
