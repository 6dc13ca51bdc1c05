package fleet

import (
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Catalog maps bot names to the location of their room script. It is
// immutable once created. Names are case-insensitive.
type Catalog struct {
	fs   afero.Fs
	bots map[string]string
}

// NewCatalog copies bots so later changes to the map are not observed.
func NewCatalog(fs afero.Fs, bots map[string]string) *Catalog {
	c := &Catalog{
		fs:   fs,
		bots: make(map[string]string, len(bots)),
	}
	for name, path := range bots {
		c.bots[strings.ToLower(name)] = path
	}
	return c
}

// Names returns the bot names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.bots))
	for name := range c.bots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the script location of a bot.
func (c *Catalog) Path(name string) (string, bool) {
	path, ok := c.bots[strings.ToLower(name)]
	return path, ok
}

// Payload reads the script of a bot. The script is read on every call so
// edits are picked up without restarting the console.
func (c *Catalog) Payload(name string) ([]byte, error) {
	path, ok := c.Path(name)
	if !ok {
		return nil, xerrors.Errorf("%w: %q", ErrUnknownBot, name)
	}
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return nil, &PayloadUnavailableError{Bot: name, Path: path, Err: err}
	}
	if len(data) == 0 {
		return nil, &PayloadUnavailableError{Bot: name, Path: path, Err: xerrors.New("file is empty")}
	}
	return data, nil
}
