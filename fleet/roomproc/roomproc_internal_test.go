package roomproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/roomctl/fleet"
	"github.com/coder/roomctl/testutil"
)

func TestBrowserFlags(t *testing.T) {
	t.Parallel()

	l := NewLauncher(testutil.Logger(t), Config{Headless: true}, nil)

	flags := l.browserFlags(nil)
	assert.Equal(t, true, flags["headless"])
	assert.NotContains(t, flags, "proxy-server")

	flags = l.browserFlags(&fleet.Proxy{Label: "proxy1", URL: "socks5://10.0.0.1:1080"})
	assert.Equal(t, "socks5://10.0.0.1:1080", flags["proxy-server"])

	l = NewLauncher(testutil.Logger(t), Config{Headless: false}, nil)
	assert.Equal(t, false, l.browserFlags(nil)["headless"])
}

func TestTokenScript(t *testing.T) {
	t.Parallel()

	script, err := tokenScript(`thr1.AAA"; alert(1); "`)
	require.NoError(t, err)
	assert.Equal(t, `window.ROOMCTL_TOKEN = "thr1.AAA\"; alert(1); \"";`, script)

	script, err = tokenScript("")
	require.NoError(t, err)
	assert.Equal(t, `window.ROOMCTL_TOKEN = "";`, script)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	var c Config
	c.setDefaults()
	assert.Equal(t, DefaultHostURL, c.HostURL)
	assert.Equal(t, DefaultReadyExpression, c.ReadyExpression)
	assert.Equal(t, DefaultLinkExpression, c.LinkExpression)
	assert.Equal(t, time.Minute, c.StartTimeout)
	assert.Equal(t, 5*time.Second, c.LivenessInterval)

	c = Config{HostURL: "http://localhost:8080", StartTimeout: time.Second}
	c.setDefaults()
	assert.Equal(t, "http://localhost:8080", c.HostURL)
	assert.Equal(t, time.Second, c.StartTimeout)
}
