// Package config reads the console configuration file.
package config

import (
	"bytes"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/coder/roomctl/fleet"
)

// DefaultPrefix is used when neither the file nor a flag sets one.
const DefaultPrefix = "!"

// Config is the parsed configuration file.
type Config struct {
	// Prefix marks messages addressed to the console.
	Prefix string `yaml:"prefix" validate:"required"`
	// Operators are the sender identities allowed to issue commands.
	Operators []string `yaml:"operators" validate:"dive,required"`
	// Bots maps bot names to payload script paths. Relative paths are
	// resolved against the directory of the configuration file.
	Bots map[string]string `yaml:"bots" validate:"dive,keys,required,endkeys,required"`
	// Proxies rooms may be assigned to.
	Proxies []fleet.Proxy `yaml:"proxies" validate:"dive"`
	// RoomsPerProxy caps automatic proxy assignment. Zero is unlimited.
	RoomsPerProxy int  `yaml:"rooms_per_proxy" validate:"gte=0"`
	RequireToken  bool `yaml:"require_token"`
	Room          Room `yaml:"room"`
	// Listen is the address the messaging channel serves on.
	Listen string `yaml:"listen"`
	// Secret, when set, is required as a bearer token by the
	// messaging channel.
	Secret string `yaml:"secret"`
}

// Room configures room browsers.
type Room struct {
	HostURL      string        `yaml:"host_url" validate:"omitempty,url"`
	Browser      string        `yaml:"browser"`
	Headful      bool          `yaml:"headful"`
	StartTimeout time.Duration `yaml:"start_timeout" validate:"gte=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Prefix: DefaultPrefix,
		Bots:   map[string]string{},
		Listen: "127.0.0.1:3113",
	}
}

// Load reads and validates the file at path. Unknown keys are rejected.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, xerrors.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, xerrors.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document. Relative bot paths are
// resolved against dir.
func Parse(data []byte, dir string) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !xerrors.Is(err, io.EOF) {
		return nil, xerrors.Errorf("decode: %w", err)
	}

	for name, path := range cfg.Bots {
		if path != "" && !filepath.IsAbs(path) {
			cfg.Bots[name] = filepath.Join(dir, path)
		}
	}
	for i, op := range cfg.Operators {
		cfg.Operators[i] = strings.TrimSpace(op)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that bot names are unique
// ignoring case.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if xerrors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+": failed "+fe.Tag())
			}
			return xerrors.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return xerrors.Errorf("validate config: %w", err)
	}

	seen := make(map[string]string, len(c.Bots))
	for name := range c.Bots {
		key := strings.ToLower(name)
		if other, ok := seen[key]; ok {
			return xerrors.Errorf("invalid config: bots %q and %q differ only in case", other, name)
		}
		seen[key] = name
	}
	labels := make(map[string]struct{}, len(c.Proxies))
	for _, px := range c.Proxies {
		key := strings.ToLower(px.Label)
		if _, ok := labels[key]; ok {
			return xerrors.Errorf("invalid config: proxy label %q is used more than once", px.Label)
		}
		labels[key] = struct{}{}
	}
	return nil
}

// Settings returns the values shown by "diag config". Secrets and
// operator identities are left out.
func (c *Config) Settings() map[string]string {
	labels := make([]string, 0, len(c.Proxies))
	for _, px := range c.Proxies {
		labels = append(labels, px.Label)
	}
	settings := map[string]string{
		"prefix":          c.Prefix,
		"operators":       strconv.Itoa(len(c.Operators)),
		"bots":            strconv.Itoa(len(c.Bots)),
		"proxies":         strings.Join(labels, ", "),
		"rooms_per_proxy": strconv.Itoa(c.RoomsPerProxy),
		"require_token":   strconv.FormatBool(c.RequireToken),
		"room.host_url":   c.Room.HostURL,
		"room.headful":    strconv.FormatBool(c.Room.Headful),
		"listen":          c.Listen,
		"secret_set":      strconv.FormatBool(c.Secret != ""),
	}
	if c.Room.StartTimeout > 0 {
		settings["room.start_timeout"] = c.Room.StartTimeout.String()
	}
	return settings
}
