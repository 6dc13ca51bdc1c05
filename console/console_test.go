package console_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/roomctl/console"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParse(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		prefix string
		text   string
		ok     bool
		want   console.Command
	}{
		{
			name:   "NoPrefix",
			prefix: "!",
			text:   "help",
		},
		{
			name:   "OnlyPrefix",
			prefix: "!",
			text:   "!   ",
		},
		{
			name:   "Bare",
			prefix: "!",
			text:   "!help",
			ok:     true,
			want:   console.Command{Name: "help", Args: []string{}},
		},
		{
			name:   "NameIsLowered",
			prefix: "!",
			text:   "!MemInfo",
			ok:     true,
			want:   console.Command{Name: "meminfo", Args: []string{}},
		},
		{
			name:   "Args",
			prefix: "!",
			text:   "!open alpha  thr1.TOKEN proxy1",
			ok:     true,
			want: console.Command{
				Name: "open",
				Args: []string{"alpha", "thr1.TOKEN", "proxy1"},
				Tail: "alpha  thr1.TOKEN proxy1",
			},
		},
		{
			name:   "TailKeepsInnerSpacing",
			prefix: "rc ",
			text:   "rc close   Big  Room ",
			ok:     true,
			want: console.Command{
				Name: "close",
				Args: []string{"Big", "Room"},
				Tail: "Big  Room",
			},
		},
		{
			name:   "SpaceAfterPrefix",
			prefix: "!",
			text:   "! info",
			ok:     true,
			want:   console.Command{Name: "info", Args: []string{}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := console.Parse(tc.prefix, tc.text)
			require.Equal(t, tc.ok, ok)
			if !tc.ok {
				return
			}
			assert.Equal(t, tc.want.Name, got.Name)
			assert.ElementsMatch(t, tc.want.Args, got.Args)
			assert.Equal(t, tc.want.Tail, got.Tail)
		})
	}
}

func TestGate(t *testing.T) {
	t.Parallel()

	g := console.NewGate("111", " 222 ", "")
	assert.Equal(t, 2, g.Len())
	assert.True(t, g.Authorized("111"))
	assert.True(t, g.Authorized("222"))
	assert.False(t, g.Authorized("333"))
	assert.False(t, g.Authorized(""))

	var nilGate *console.Gate
	assert.False(t, nilGate.Authorized("111"))
	assert.Equal(t, 0, nilGate.Len())

	empty := console.NewGate()
	assert.False(t, empty.Authorized("111"))
}
