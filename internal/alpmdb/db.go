// Package alpmdb reads pacman's local and sync package databases.
// Sync databases are compressed tar archives of per-package desc
// entries; the local database is a directory tree. Enumeration is
// lazy with early termination so open-ended query-mode searches never
// materialize a whole database.
package alpmdb

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Morganamilo/paccat/internal/archive"
	"github.com/Morganamilo/paccat/internal/pacmanconf"
)

var (
	// ErrNotFound reports a package absent from the consulted databases.
	ErrNotFound = errors.New("package not found")

	// ErrNoServers reports a sync repo with no usable mirror.
	ErrNoServers = errors.New("repository has no servers configured")
)

// Package is one database record.
type Package struct {
	Repo     string
	Name     string
	Base     string
	Version  string
	Arch     string
	Filename string
	CSize    int64
	SHA256   string
	MD5      string
	PGPSig   string // base64 detached signature from the sync db
	Files    []string
}

// DB queries the databases under one pacman configuration.
type DB struct {
	conf      *pacmanconf.Config
	client    *http.Client
	ext       string // ".db" or ".files"
	loadFiles bool
}

// Open prepares database access. filesDB selects the .files sync
// database variant, which carries per-package file lists; loadFiles
// additionally populates Package.Files from whichever database is
// read (the local database always has file lists on disk).
func Open(conf *pacmanconf.Config, client *http.Client, filesDB, loadFiles bool) *DB {
	ext := ".db"
	if filesDB {
		ext = ".files"
	}
	return &DB{
		conf:      conf,
		client:    client,
		ext:       ext,
		loadFiles: filesDB || loadFiles,
	}
}

func (d *DB) syncDir() string {
	return filepath.Join(d.conf.DBPath, "sync")
}

func (d *DB) syncPath(repo string) string {
	return filepath.Join(d.syncDir(), repo+d.ext)
}

func (d *DB) localDir() string {
	return filepath.Join(d.conf.DBPath, "local")
}

// HasSyncData reports whether at least one configured sync database
// file is present, meaning stale data can stand in for a failed refresh.
func (d *DB) HasSyncData() bool {
	for _, repo := range d.conf.Repos {
		if _, err := os.Stat(d.syncPath(repo.Name)); err == nil {
			return true
		}
	}
	return false
}

// DownloadURL builds the package's download location from its repo's
// first configured server.
func (d *DB) DownloadURL(p *Package) (string, error) {
	repo := d.conf.Repo(p.Repo)
	if repo == nil || len(repo.Servers) == 0 {
		return "", fmt.Errorf("%s: %w", p.Repo, ErrNoServers)
	}
	return repo.Servers[0] + "/" + p.Filename, nil
}

// SyncPackage finds name in the given sync repo, or in every
// configured repo in order when repo is empty.
func (d *DB) SyncPackage(repo, name string) (*Package, error) {
	var found *Package
	walk := func(p *Package) (bool, error) {
		if p.Name == name {
			found = p
			return true, nil
		}
		return false, nil
	}

	if repo != "" {
		if d.conf.Repo(repo) == nil {
			return nil, fmt.Errorf("no repository %q: %w", repo, ErrNotFound)
		}
		if _, err := d.walkRepo(repo, walk); err != nil {
			return nil, err
		}
	} else {
		if err := d.WalkSync(walk); err != nil {
			return nil, err
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return found, nil
}

// WalkSync enumerates sync packages lazily across all configured repos
// in order. fn returning true stops the walk.
func (d *DB) WalkSync(fn func(*Package) (bool, error)) error {
	for _, repo := range d.conf.Repos {
		stop, err := d.walkRepo(repo.Name, fn)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// db never synced; other repos may still serve
				continue
			}
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// walkRepo streams one sync database archive. Each package's desc (and
// files, in a .files db) entries are grouped by their directory.
func (d *DB) walkRepo(repo string, fn func(*Package) (bool, error)) (bool, error) {
	r, err := archive.Open(d.syncPath(repo))
	if err != nil {
		return false, err
	}
	defer r.Close()

	var cur *Package
	var curDir string

	flush := func() (bool, error) {
		if cur == nil || cur.Name == "" {
			return false, nil
		}
		p := cur
		cur = nil
		return fn(p)
	}

	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, fmt.Errorf("sync db %s%s: %w", repo, d.ext, err)
		}

		dir, entry, ok := strings.Cut(m.Path, "/")
		if !ok {
			continue
		}
		if dir != curDir {
			if stop, err := flush(); err != nil || stop {
				return stop, err
			}
			curDir = dir
			cur = &Package{Repo: repo}
		}

		switch entry {
		case "desc", "depends", "files":
			if entry == "files" && !d.loadFiles {
				continue
			}
			fields, err := parseDesc(m.Content())
			if err != nil {
				return false, fmt.Errorf("sync db %s%s: %s: %w", repo, d.ext, m.Path, err)
			}
			cur.fillFromDesc(fields)
		}
	}
	return flush()
}

// LocalPackage finds an installed package by name.
func (d *DB) LocalPackage(name string) (*Package, error) {
	entries, err := os.ReadDir(d.localDir())
	if err != nil {
		return nil, fmt.Errorf("local db: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), name+"-") {
			continue
		}
		p, err := d.readLocal(e.Name())
		if err != nil {
			return nil, err
		}
		if p != nil && p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// WalkLocal enumerates installed packages lazily in directory order.
// fn returning true stops the walk.
func (d *DB) WalkLocal(fn func(*Package) (bool, error)) error {
	entries, err := os.ReadDir(d.localDir())
	if err != nil {
		return fmt.Errorf("local db: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := d.readLocal(e.Name())
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		stop, err := fn(p)
		if err != nil || stop {
			return err
		}
	}
	return nil
}

func (d *DB) readLocal(dir string) (*Package, error) {
	descPath := filepath.Join(d.localDir(), dir, "desc")
	f, err := os.Open(descPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local db: %w", err)
	}
	fields, err := parseDesc(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("local db %s: %w", dir, err)
	}

	p := &Package{Repo: "local"}
	p.fillFromDesc(fields)

	if d.loadFiles {
		if err := d.readLocalFiles(dir, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (d *DB) readLocalFiles(dir string, p *Package) error {
	f, err := os.Open(filepath.Join(d.localDir(), dir, "files"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("local db %s: %w", dir, err)
	}
	defer f.Close()

	fields, err := parseDesc(f)
	if err != nil {
		return fmt.Errorf("local db %s: %w", dir, err)
	}
	p.Files = append(p.Files, fields["FILES"]...)
	return nil
}
