// Package cli implements the roomctl command line.
package cli

import (
	"fmt"
	"net"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/coder/roomctl/buildinfo"
	"github.com/coder/roomctl/cli/clilog"
	"github.com/coder/roomctl/cli/config"
	"github.com/coder/roomctl/fleet"
	"github.com/coder/serpent"
)

const envPrefix = "ROOMCTL_"

type RootCmd struct {
	configPath string
	logging    *clilog.Builder

	fs afero.Fs
	// spawner replaces the browser launcher, for tests.
	spawner fleet.Spawner
	// onListen is called once the channel is accepting connections.
	onListen func(net.Addr)
}

func (r *RootCmd) Command() *serpent.Command {
	if r.fs == nil {
		r.fs = afero.NewOsFs()
	}
	if r.logging == nil {
		r.logging = clilog.New()
	}
	return &serpent.Command{
		Use:   "roomctl",
		Short: "Operate a fleet of rooms from a chat channel",
		Long: fmt.Sprintf(`roomctl %s runs rooms in headless browsers and takes commands
from authorized operators over a websocket or webhook.`, buildinfo.Version()),
		Options: serpent.OptionSet{
			{
				Flag:        "config",
				Env:         envPrefix + "CONFIG",
				Description: "Path to a YAML configuration file.",
				Value:       serpent.StringOf(&r.configPath),
			},
		},
		Children: []*serpent.Command{
			r.console(),
			r.bots(),
			r.version(),
		},
	}
}

// loadConfig reads the configuration file if one was given.
func (r *RootCmd) loadConfig() (*config.Config, error) {
	if r.configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(r.fs, r.configPath)
	if err != nil {
		return nil, xerrors.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (*RootCmd) version() *serpent.Command {
	return &serpent.Command{
		Use:   "version",
		Short: "Show roomctl version",
		Handler: func(inv *serpent.Invocation) error {
			_, _ = fmt.Fprintf(inv.Stdout, "roomctl %s\n%s\n", buildinfo.Version(), buildinfo.ExternalURL())
			return nil
		},
	}
}
