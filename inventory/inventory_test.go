package inventory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/coder/roomctl/inventory"
	"github.com/coder/roomctl/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type room struct {
	title string
	proxy string
	err   error
}

func (r room) Title(context.Context) (string, error) { return r.title, r.err }
func (r room) HasProxy() bool                        { return r.proxy != "" }
func (r room) ProxyLabel() string                    { return r.proxy }

func describe(t *testing.T, rooms ...room) string {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	return inventory.Describe(inventory.Entries(ctx, rooms))
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, inventory.NoRooms, describe(t))
		assert.NotEmpty(t, inventory.Describe(nil))
	})

	t.Run("Flat", func(t *testing.T) {
		t.Parallel()
		got := describe(t,
			room{title: "Room C"},
			room{title: "Room A"},
			room{title: "Room B"},
		)
		assert.Equal(t, "Room C\nRoom A\nRoom B", got)
	})

	t.Run("MixedGroups", func(t *testing.T) {
		t.Parallel()
		got := describe(t,
			room{title: "Room A", proxy: "proxy1"},
			room{title: "Room B", proxy: "proxy1"},
			room{title: "Room C"},
		)
		assert.Equal(t, "proxy1\n- Room A\n- Room B\ndirect\n- Room C", got)
	})

	t.Run("FirstSeenOrder", func(t *testing.T) {
		t.Parallel()
		got := describe(t,
			room{title: "1", proxy: "proxy2"},
			room{title: "2"},
			room{title: "3", proxy: "proxy1"},
			room{title: "4", proxy: "proxy2"},
			room{title: "5"},
			room{title: "6", proxy: "proxy1"},
		)
		assert.Equal(t, "proxy2\n- 1\n- 4\ndirect\n- 2\n- 5\nproxy1\n- 3\n- 6", got)
	})

	t.Run("TwoProxies", func(t *testing.T) {
		t.Parallel()
		got := describe(t,
			room{title: "A", proxy: "east"},
			room{title: "B", proxy: "west"},
			room{title: "C", proxy: "east"},
		)
		assert.Equal(t, "east\n- A\n- C\nwest\n- B", got)
	})

	t.Run("ProxyNamedDirect", func(t *testing.T) {
		t.Parallel()
		got := describe(t,
			room{title: "A", proxy: "direct"},
			room{title: "B"},
		)
		assert.Equal(t, "direct\n- A\ndirect\n- B", got)
	})

	t.Run("UnreadableTitle", func(t *testing.T) {
		t.Parallel()
		got := describe(t,
			room{title: "A"},
			room{err: xerrors.New("target closed")},
		)
		assert.Equal(t, "A\n<unavailable: target closed>", got)
	})
}
