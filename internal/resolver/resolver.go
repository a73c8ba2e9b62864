// Package resolver turns raw target strings into locally-available or
// pending-download archive sources. Per-target failures are attached
// to the target's resolution instead of aborting the run.
package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Morganamilo/paccat/internal/alpmdb"
	"github.com/Morganamilo/paccat/internal/download"
	"github.com/Morganamilo/paccat/internal/logger"
)

// ErrTargetNotFound reports a target that is not a package, file or url.
var ErrTargetNotFound = errors.New("target not found")

// Kind classifies a raw target string.
type Kind int

const (
	KindPackage Kind = iota // bare package name
	KindRepo                // repo/name qualified
	KindURL
	KindFile
)

// Target is a raw target string plus its classification. Immutable
// once parsed.
type Target struct {
	Raw  string
	Kind Kind
	Repo string
	Name string
}

func (t Target) String() string { return t.Raw }

// Source is a handle to package bytes: either an already-present path
// or a pending download.
type Source struct {
	Path    string
	Pending *download.Request
}

// Resolution pairs a target with its source or its failure.
type Resolution struct {
	Target Target
	Pkg    *alpmdb.Package // nil for url and file targets
	Source *Source
	Err    error
}

// Resolver classifies and resolves targets against the databases and
// the cache directories.
type Resolver struct {
	db         *alpmdb.DB
	cacheDirs  []string
	localFirst bool // -Q: consult the installed database first for bare names
}

func New(db *alpmdb.DB, cacheDirs []string, localFirst bool) *Resolver {
	return &Resolver{db: db, cacheDirs: cacheDirs, localFirst: localFirst}
}

// Classify applies the target syntax precedence: URL scheme, readable
// local file, repo/name, bare package name. An explicit repo qualifier
// always wins over an installed package of the same bare name.
func Classify(raw string) Target {
	if strings.Contains(raw, "://") {
		return Target{Raw: raw, Kind: KindURL}
	}
	if info, err := os.Stat(raw); err == nil && info.Mode().IsRegular() {
		return Target{Raw: raw, Kind: KindFile}
	}
	if repo, name, ok := strings.Cut(raw, "/"); ok && repo != "" && name != "" {
		return Target{Raw: raw, Kind: KindRepo, Repo: repo, Name: name}
	}
	return Target{Raw: raw, Kind: KindPackage, Name: raw}
}

// Resolve processes targets in input order. Every raw string yields
// exactly one Resolution, successful or not.
func (r *Resolver) Resolve(targets []string) []Resolution {
	results := make([]Resolution, 0, len(targets))
	for _, raw := range targets {
		t := Classify(raw)
		res := Resolution{Target: t}
		res.Pkg, res.Source, res.Err = r.resolveOne(t)
		results = append(results, res)
	}
	return results
}

func (r *Resolver) resolveOne(t Target) (*alpmdb.Package, *Source, error) {
	switch t.Kind {
	case KindFile:
		return nil, &Source{Path: t.Raw}, nil

	case KindURL:
		u, err := url.Parse(t.Raw)
		if err != nil || path.Base(u.Path) == "." || path.Base(u.Path) == "/" {
			return nil, nil, fmt.Errorf("'%s' is not a valid url: %w", t.Raw, ErrTargetNotFound)
		}
		name := path.Base(u.Path)
		if p, ok := r.cached(name, ""); ok {
			return nil, &Source{Path: p}, nil
		}
		return nil, &Source{Pending: &download.Request{URL: t.Raw, FileName: name}}, nil

	case KindRepo:
		pkg, err := r.db.SyncPackage(t.Repo, t.Name)
		if err != nil {
			return nil, nil, r.notFound(t, err)
		}
		src, err := r.packageSource(pkg)
		return pkg, src, err

	default: // bare package name
		pkg, err := r.lookupBare(t.Name)
		if err != nil {
			return nil, nil, r.notFound(t, err)
		}
		src, err := r.packageSource(pkg)
		return pkg, src, err
	}
}

func (r *Resolver) notFound(t Target, err error) error {
	if errors.Is(err, alpmdb.ErrNotFound) {
		return fmt.Errorf("'%s' is not a package, file or url: %w", t.Raw, ErrTargetNotFound)
	}
	return err
}

// lookupBare resolves a bare package name. In -Q mode the installed
// database is consulted first for the name and version, with the sync
// databases supplying the backing file; otherwise sync databases are
// searched directly in configured repo order.
func (r *Resolver) lookupBare(name string) (*alpmdb.Package, error) {
	if !r.localFirst {
		return r.db.SyncPackage("", name)
	}

	local, err := r.db.LocalPackage(name)
	if err != nil {
		return nil, err
	}
	pkg, err := r.db.SyncPackage("", name)
	if err != nil {
		// installed but gone from the sync dbs; the cache may still
		// hold the exact installed version
		if p, ok := r.cachedVersion(local.Name, local.Version); ok {
			local.Filename = filepath.Base(p)
			return local, nil
		}
		return nil, err
	}
	if pkg.Version != local.Version {
		logger.Logger().Warnf("%s: installed version %s differs from sync version %s",
			name, local.Version, pkg.Version)
	}
	return pkg, nil
}

// PackageSource resolves an already-located database package to a
// source. Used by query-mode searches that enumerate candidates
// straight from the database.
func (r *Resolver) PackageSource(pkg *alpmdb.Package) (*Source, error) {
	return r.packageSource(pkg)
}

// packageSource prefers a cache hit over a download.
func (r *Resolver) packageSource(pkg *alpmdb.Package) (*Source, error) {
	if pkg.Filename == "" {
		return nil, fmt.Errorf("%s: database entry has no package file", pkg.Name)
	}
	if p, ok := r.cached(pkg.Filename, pkg.SHA256); ok {
		return &Source{Path: p}, nil
	}

	url, err := r.db.DownloadURL(pkg)
	if err != nil {
		return nil, err
	}
	return &Source{Pending: &download.Request{
		URL:      url,
		FileName: pkg.Filename,
		SHA256:   pkg.SHA256,
		PGPSig:   pkg.PGPSig,
	}}, nil
}

// cached looks for filename in the cache directories in order. When a
// checksum is known a stale or tampered cache entry is rejected.
func (r *Resolver) cached(filename, sha string) (string, bool) {
	for _, dir := range r.cacheDirs {
		p := filepath.Join(dir, filename)
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}
		if sha != "" && !checksumMatches(p, sha) {
			logger.Logger().Warnf("cached %s fails checksum, ignoring", p)
			continue
		}
		return p, true
	}
	return "", false
}

// cachedVersion globs for any compression flavor of name-version.
func (r *Resolver) cachedVersion(name, version string) (string, bool) {
	for _, dir := range r.cacheDirs {
		matches, err := filepath.Glob(filepath.Join(dir, name+"-"+version+"-*.pkg.tar*"))
		if err != nil || len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
				return m, true
			}
		}
	}
	return "", false
}

func checksumMatches(path, expected string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return false
	}
	return hex.EncodeToString(hash.Sum(nil)) == expected
}
