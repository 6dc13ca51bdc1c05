package config_test

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/roomctl/cli/config"
	"github.com/coder/roomctl/fleet"
)

const sample = `
prefix: "rc "
operators:
  - "100200300"
  - " 400500600 "
bots:
  alpha: bots/alpha.js
  beta: /srv/bots/beta.js
proxies:
  - label: proxy1
    url: socks5://10.0.0.1:1080
  - label: proxy2
    url: http://10.0.0.2:3128
rooms_per_proxy: 2
require_token: true
room:
  host_url: https://rooms.example.com/headless
  start_timeout: 45s
listen: 0.0.0.0:3113
secret: hunter2
`

func TestLoad(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/roomctl/roomctl.yaml", []byte(sample), 0o600))

	cfg, err := config.Load(fs, "/etc/roomctl/roomctl.yaml")
	require.NoError(t, err)

	assert.Equal(t, "rc ", cfg.Prefix)
	assert.Equal(t, []string{"100200300", "400500600"}, cfg.Operators)
	assert.Equal(t, map[string]string{
		"alpha": "/etc/roomctl/bots/alpha.js",
		"beta":  "/srv/bots/beta.js",
	}, cfg.Bots)
	assert.Equal(t, []fleet.Proxy{
		{Label: "proxy1", URL: "socks5://10.0.0.1:1080"},
		{Label: "proxy2", URL: "http://10.0.0.2:3128"},
	}, cfg.Proxies)
	assert.Equal(t, 2, cfg.RoomsPerProxy)
	assert.True(t, cfg.RequireToken)
	assert.Equal(t, "https://rooms.example.com/headless", cfg.Room.HostURL)
	assert.Equal(t, 45*time.Second, cfg.Room.StartTimeout)
	assert.Equal(t, "0.0.0.0:3113", cfg.Listen)

	settings := cfg.Settings()
	assert.Equal(t, "proxy1, proxy2", settings["proxies"])
	assert.Equal(t, "true", settings["secret_set"])
	assert.Equal(t, "45s", settings["room.start_timeout"])
	for _, v := range settings {
		assert.NotContains(t, v, "hunter2")
		assert.NotContains(t, v, "100200300")
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(afero.NewMemMapFs(), "/nope.yaml")
	require.Error(t, err)
}

func TestParse(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "Empty",
			doc:  "",
		},
		{
			name:    "UnknownKey",
			doc:     "prefx: '!'",
			wantErr: "prefx",
		},
		{
			name:    "EmptyPrefix",
			doc:     "prefix: ''",
			wantErr: "Prefix",
		},
		{
			name:    "BlankOperator",
			doc:     "operators: ['  ']",
			wantErr: "Operators",
		},
		{
			name:    "ProxyWithoutURL",
			doc:     "proxies: [{label: p1}]",
			wantErr: "URL",
		},
		{
			name:    "DuplicateProxy",
			doc:     "proxies: [{label: p1, url: 'http://a:1'}, {label: P1, url: 'http://b:1'}]",
			wantErr: "more than once",
		},
		{
			name:    "BotsDifferingInCase",
			doc:     "bots: {alpha: a.js, ALPHA: b.js}",
			wantErr: "differ only in case",
		},
		{
			name:    "NegativeRoomsPerProxy",
			doc:     "rooms_per_proxy: -1",
			wantErr: "RoomsPerProxy",
		},
		{
			name:    "BadHostURL",
			doc:     "room: {host_url: 'not a url'}",
			wantErr: "HostURL",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.Parse([]byte(tc.doc), "/etc/roomctl")
			if tc.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, config.DefaultPrefix, cfg.Prefix)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
