package ptnotes

import (
	"os"
	"path"

	"github.com/pkg/errors"
)

// Standard paths used to store application data
// https://specifications.freedesktop.org/basedir-spec/latest/
type StandardPaths struct {
	// Can be used to change the profile
	// Default: "ptnotes"
	PTN_APPNAME string
	// Path to configuration directory.
	// Default: "$XDG_CONFIG_HOME/$PTN_APPNAME" or "$HOME/.config/$PTN_APPNAME" if unset
	CONFIG_HOME string
	// Path to data directory, holds the registry and project stores
	// Default: "$XDG_DATA_HOME/$PTN_APPNAME" or "$HOME/.local/share/$PTN_APPNAME"
	DATA_HOME string
}

func (s StandardPaths) init() error {
	for _, p := range []string{s.CONFIG_HOME, s.DATA_HOME} {
		if err := os.MkdirAll(p, 0700); err != nil {
			return errors.Wrapf(err, "failed to create standard path: %s", p)
		}
	}
	return nil
}

type stdpathsBuilder struct {
	home string

	app    string
	config string
	data   string
}

func newStdpathsBuilder() *stdpathsBuilder {
	return &stdpathsBuilder{home: os.Getenv("HOME")}
}

func (b *stdpathsBuilder) isValid(val string) bool {
	return val != "" && val != "-"
}

func (b *stdpathsBuilder) bind(val, env, def string) string {
	if b.isValid(val) {
		return val
	}
	if v := os.Getenv(env); b.isValid(v) {
		return v
	}
	return def
}

func (b *stdpathsBuilder) bindToApp(val, env, def string) string {
	v := b.bind(val, env, def)
	if v == val {
		return val
	}
	return path.Join(v, b.app)
}

func (b *stdpathsBuilder) setApp(val string) *stdpathsBuilder {
	b.app = b.bind(val, "PTN_APPNAME", "ptnotes")
	return b
}

func (b *stdpathsBuilder) setConfig(val string) *stdpathsBuilder {
	b.config = b.bindToApp(val, "XDG_CONFIG_HOME", path.Join(b.home, ".config"))
	return b
}

func (b *stdpathsBuilder) setData(val string) *stdpathsBuilder {
	b.data = b.bindToApp(val, "XDG_DATA_HOME", path.Join(b.home, ".local", "share"))
	return b
}

func (b *stdpathsBuilder) build() StandardPaths {
	return StandardPaths{
		PTN_APPNAME: b.app,
		CONFIG_HOME: b.config,
		DATA_HOME:   b.data,
	}
}

// BindStandardPaths fills empty standard paths from the environment.
func BindStandardPaths(stdpaths StandardPaths) StandardPaths {
	return newStdpathsBuilder().
		setApp(stdpaths.PTN_APPNAME).
		setConfig(stdpaths.CONFIG_HOME).
		setData(stdpaths.DATA_HOME).
		build()
}

type Configuration struct {
	paths StandardPaths
}

// Returns the location where the registry and project stores live
func (c *Configuration) Home() string {
	return c.paths.DATA_HOME
}

// Catalog returns the path of the operator rule override. The
// loader falls back to the built-in catalog when the file is absent.
func (c *Configuration) Catalog() string {
	return path.Join(c.paths.CONFIG_HOME, "attacks.yml")
}

func LoadConfiguration(stdpaths StandardPaths, conf *Configuration) error {
	if stdpaths.DATA_HOME == "-" {
		// in-memory profile, nothing to create
		conf.paths = stdpaths
		return nil
	}

	if err := stdpaths.init(); err != nil {
		return errors.Wrap(err, "failed to initialize standard paths")
	}
	conf.paths = stdpaths
	return nil
}
