// Package pipeline drives a paccat run: target resolution, archive
// acquisition, single-pass member matching and output streaming.
// Per-target and per-pattern failures are collected and reported;
// partial success is the normal case.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Morganamilo/paccat/internal/alpmdb"
	"github.com/Morganamilo/paccat/internal/archive"
	"github.com/Morganamilo/paccat/internal/config"
	"github.com/Morganamilo/paccat/internal/download"
	"github.com/Morganamilo/paccat/internal/logger"
	"github.com/Morganamilo/paccat/internal/match"
	"github.com/Morganamilo/paccat/internal/netutil"
	"github.com/Morganamilo/paccat/internal/output"
	"github.com/Morganamilo/paccat/internal/pacmanconf"
	"github.com/Morganamilo/paccat/internal/privilege"
	"github.com/Morganamilo/paccat/internal/resolver"
)

// Options describe one invocation.
type Options struct {
	Targets  []string
	Patterns []string

	Regex   bool // -x: patterns are regular expressions
	All     bool // -a: every match instead of the first per target
	Quiet   bool // -q: print member paths instead of content
	Binary  bool // print binary members
	FilesDB bool // -F: search the sync .files databases
	LocalDB bool // -Q: search the installed package database
	Refresh int  // -y count; > 1 forces the refresh

	Root     string
	DBPath   string
	ConfPath string
	CacheDir string

	// Stdout defaults to os.Stdout; tests substitute a buffer.
	Stdout     io.Writer
	IsTerminal bool

	// Settings are loaded from the settings files when nil.
	Settings *config.Settings
}

func (o *Options) queryMode() bool { return o.FilesDB || o.LocalDB }

// Execute runs the pipeline and returns the process exit code. The
// returned error is reserved for failures with no narrower scope
// (configuration, pattern compilation); everything per-target or
// per-pattern is reported and folded into the exit code.
func Execute(ctx context.Context, opts Options) (int, error) {
	log := logger.Logger()

	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	settings := opts.Settings
	if settings == nil {
		var err error
		if settings, err = config.Load(); err != nil {
			return 1, err
		}
	}

	set, err := match.Compile(opts.Patterns, opts.Regex)
	if err != nil {
		return 1, err
	}
	policy := match.FirstPerTarget
	if opts.All {
		policy = match.AllMatches
	}

	pconf, err := pacmanconf.Load(pacmanconf.Options{
		Path:    opts.ConfPath,
		RootDir: opts.Root,
		DBPath:  opts.DBPath,
	})
	if err != nil {
		return 1, err
	}

	client := netutil.NewSecureHTTPClient()
	db := alpmdb.Open(pconf, client, opts.FilesDB, opts.queryMode())

	if opts.Refresh > 0 {
		if err := db.Refresh(ctx, opts.Refresh > 1); err != nil {
			if !db.HasSyncData() {
				return 1, fmt.Errorf("refresh failed and no usable databases exist: %w", err)
			}
			log.Warnf("%v; continuing with stale databases", err)
		}
	}

	// The user cache dir takes precedence; otherwise downloads land in
	// a per-user scratch dir so unprivileged runs never touch pacman's
	// cache.
	destDir := opts.CacheDir
	if destDir == "" {
		destDir = download.ScratchDir()
	}
	cacheDirs := append([]string{destDir}, pconf.CacheDirs...)

	var owner *privilege.Identity
	if id, ok := privilege.Caller(); ok {
		owner = &id
	}

	run := &run{
		opts:     opts,
		set:      set,
		policy:   policy,
		db:       db,
		resolver: resolver.New(db, cacheDirs, opts.LocalDB),
		manager: download.NewManager(client, settings.Workers, destDir,
			download.NewVerifier(pconf.RootDir), owner),
		streamer: output.New(opts.Stdout, output.Options{
			Quiet:       opts.Quiet,
			AllowBinary: opts.Binary || !opts.IsTerminal,
			Highlighter: settings.Highlighter,
			IsTerminal:  opts.IsTerminal,
		}),
	}

	if len(opts.Targets) == 0 {
		if !opts.queryMode() {
			return 1, errors.New("no targets specified (use -Q or -F to search all packages)")
		}
		return run.executeQuery(ctx)
	}
	return run.executeTargets(ctx)
}

type run struct {
	opts     Options
	set      *match.Set
	policy   match.Policy
	db       *alpmdb.DB
	resolver *resolver.Resolver
	manager  *download.Manager
	streamer *output.Streamer

	emitted int
	failed  int
}

// exitCode: partial success is still success. Non-zero only when no
// pattern ever matched anywhere or nothing resolved at all.
func (r *run) exitCode() int {
	if r.emitted > 0 {
		return 0
	}
	return 1
}

// executeTargets resolves every explicit target, downloads what is
// pending concurrently, then scans archives strictly in input target
// order so output ordering is deterministic.
func (r *run) executeTargets(ctx context.Context) (int, error) {
	log := logger.Logger()
	resolutions := r.resolver.Resolve(r.opts.Targets)

	// In -Q/-F mode a target's database file list rules the download
	// out before it starts.
	if r.opts.queryMode() {
		for i := range resolutions {
			res := &resolutions[i]
			if res.Err != nil || res.Pkg == nil || len(res.Pkg.Files) == 0 {
				continue
			}
			if !r.anyPatternInList(res.Pkg.Files) {
				res.Err = fmt.Errorf("%s: no requested file in package file list: %w",
					res.Target, match.ErrPatternNotFound)
			}
		}
	}

	// One download per distinct file, shared across duplicate targets.
	var requests []*download.Request
	pendingIdx := make(map[int]int) // resolution index -> batch index
	byFile := make(map[string]int)
	for i, res := range resolutions {
		if res.Err != nil || res.Source == nil || res.Source.Pending == nil {
			continue
		}
		name := res.Source.Pending.FileName
		if idx, ok := byFile[name]; ok {
			pendingIdx[i] = idx
			continue
		}
		byFile[name] = len(requests)
		pendingIdx[i] = len(requests)
		requests = append(requests, res.Source.Pending)
	}
	batch := r.manager.Fetch(ctx, requests)

	for i, res := range resolutions {
		if res.Err != nil {
			log.Errorf("%s: %v", res.Target, res.Err)
			r.failed++
			continue
		}

		path := res.Source.Path
		if res.Source.Pending != nil {
			result := batch.Wait(pendingIdx[i])
			if result.Err != nil {
				log.Errorf("%s: %v", res.Target, result.Err)
				r.failed++
				continue
			}
			path = result.Path
		}

		if err := r.scanTarget(res.Target.String(), path); err != nil {
			if errors.Is(err, output.ErrClosedPipe) {
				// downstream went away; what was emitted stands
				return r.exitCode(), nil
			}
			return 1, err
		}
	}
	return r.exitCode(), nil
}

// executeQuery searches all installed (-Q) or all known sync (-F)
// packages lazily, using only the first package whose file list
// matches any pattern.
func (r *run) executeQuery(ctx context.Context) (int, error) {
	log := logger.Logger()

	var scanErr error
	walk := func(p *alpmdb.Package) (bool, error) {
		if len(p.Files) == 0 || !r.anyPatternInList(p.Files) {
			return false, nil
		}

		src, err := r.resolver.PackageSource(p)
		if err != nil {
			log.Errorf("%s: %v", p.Name, err)
			return false, nil
		}
		path := src.Path
		if src.Pending != nil {
			batch := r.manager.Fetch(ctx, []*download.Request{src.Pending})
			result := batch.Wait(0)
			if result.Err != nil {
				log.Errorf("%s: %v", p.Name, result.Err)
				return false, nil
			}
			path = result.Path
		}

		scanErr = r.scanTarget(p.Name, path)
		return true, nil
	}

	var err error
	if r.opts.LocalDB {
		err = r.db.WalkLocal(walk)
	} else {
		err = r.db.WalkSync(walk)
	}
	if err != nil {
		return 1, err
	}
	if scanErr != nil && !errors.Is(scanErr, output.ErrClosedPipe) {
		return 1, scanErr
	}
	if r.emitted == 0 {
		log.Errorf("no package contains the requested files: %v", match.ErrPatternNotFound)
	}
	return r.exitCode(), nil
}

// scanTarget makes the single pass over one target's archive,
// evaluating every pending pattern against each member. Errors other
// than ErrClosedPipe are scoped to this target and swallowed after
// reporting; ErrClosedPipe propagates to stop the run.
func (r *run) scanTarget(target, path string) error {
	log := logger.Logger()

	ar, err := archive.Open(path)
	if err != nil {
		log.Errorf("%s: %v", target, err)
		r.failed++
		return nil
	}
	defer ar.Close()

	state := match.NewState(r.set, r.policy)
	for state.Pending() {
		m, err := ar.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// already-emitted matches for this target remain valid
			log.Errorf("%s: %v", target, err)
			r.failed++
			return nil
		}

		if hits := state.Match(m.Path); len(hits) > 0 {
			emitted, err := r.streamer.Emit(m)
			if errors.Is(err, archive.ErrCorrupt) {
				// mid-member truncation; bytes already copied for this
				// member are not retracted but it does not count as a
				// successful emission
				log.Errorf("%s: %v", target, err)
				r.failed++
				return nil
			}
			if emitted {
				r.emitted++
			}
			if err != nil {
				return err
			}
		}
	}

	for _, p := range state.Unmatched() {
		log.Errorf("%s: %s: %v", target, p.Raw, match.ErrPatternNotFound)
		r.failed++
	}
	return nil
}

// anyPatternInList pre-filters a candidate package on its database
// file list.
func (r *run) anyPatternInList(files []string) bool {
	for _, f := range files {
		if r.set.MatchesAny(f) {
			return true
		}
	}
	return false
}
