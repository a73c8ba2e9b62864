// Package pacmanconf loads the pacman-compatible configuration the
// resolver consumes: root dir, database path, cache directories and
// the ordered sync repository list with their mirror servers.
package pacmanconf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	defaultPath     = "/etc/pacman.conf"
	defaultRootDir  = "/"
	defaultDBPath   = "/var/lib/pacman/"
	defaultCacheDir = "/var/cache/pacman/pkg/"
)

// Repository is one sync repo in configuration order.
type Repository struct {
	Name    string
	Servers []string
}

type Config struct {
	RootDir      string
	DBPath       string
	CacheDirs    []string
	Architecture string
	Repos        []Repository
}

// Options carry CLI overrides. Zero values mean "use the file/defaults".
type Options struct {
	Path    string
	RootDir string
	DBPath  string
}

// Load parses the pacman configuration file, applies overrides and
// fills in pacman's defaults for anything left unset.
func Load(opts Options) (*Config, error) {
	path := opts.Path
	if path == "" {
		path = defaultPath
	}

	conf := &Config{}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if err := parse(conf, f, ""); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if opts.RootDir != "" {
		conf.RootDir = opts.RootDir
	}
	if opts.DBPath != "" {
		conf.DBPath = opts.DBPath
	}
	conf.applyDefaults()
	conf.substituteVars()
	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.RootDir == "" {
		c.RootDir = defaultRootDir
	}
	if c.DBPath == "" {
		c.DBPath = defaultDBPath
	}
	if len(c.CacheDirs) == 0 {
		c.CacheDirs = []string{defaultCacheDir}
	}
	if c.Architecture == "" || c.Architecture == "auto" {
		c.Architecture = hostArchitecture()
	}
}

// substituteVars expands the $repo and $arch variables pacman allows
// in Server directives.
func (c *Config) substituteVars() {
	for i := range c.Repos {
		repo := &c.Repos[i]
		for j, server := range repo.Servers {
			server = strings.ReplaceAll(server, "$repo", repo.Name)
			server = strings.ReplaceAll(server, "$arch", c.Architecture)
			repo.Servers[j] = strings.TrimRight(server, "/")
		}
	}
}

// Repo returns the named sync repository, or nil.
func (c *Config) Repo(name string) *Repository {
	for i := range c.Repos {
		if c.Repos[i].Name == name {
			return &c.Repos[i]
		}
	}
	return nil
}

// parse scans an ini-style pacman.conf. section tracks the enclosing
// section when the reader comes from an Include directive.
func parse(conf *Config, r io.Reader, section string) error {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.Trim(line, "[]")
			if section != "options" && conf.Repo(section) == nil {
				conf.Repos = append(conf.Repos, Repository{Name: section})
			}
			continue
		}

		key := line
		val := ""
		if parts := strings.SplitN(line, "=", 2); len(parts) == 2 {
			key = strings.TrimSpace(parts[0])
			val = strings.TrimSpace(parts[1])
		}

		switch {
		case key == "Include":
			if err := include(conf, val, section); err != nil {
				return err
			}
		case section == "options":
			conf.setOption(key, val)
		case key == "Server" && section != "":
			repo := conf.Repo(section)
			repo.Servers = append(repo.Servers, val)
		}
	}
	return s.Err()
}

func (c *Config) setOption(key, val string) {
	switch key {
	case "RootDir":
		c.RootDir = val
	case "DBPath":
		c.DBPath = val
	case "CacheDir":
		c.CacheDirs = append(c.CacheDirs, strings.Fields(val)...)
	case "Architecture":
		// pacman accepts a list; the first entry wins for mirror vars
		if fields := strings.Fields(val); len(fields) > 0 {
			c.Architecture = fields[0]
		}
	}
}

func include(conf *Config, pattern, section string) error {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("bad Include %q: %w", pattern, err)
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("opening include %s: %w", p, err)
		}
		err = parse(conf, f, section)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func hostArchitecture() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	default:
		return runtime.GOARCH
	}
}
