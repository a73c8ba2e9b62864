package alpmdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/Morganamilo/paccat/internal/logger"
)

// ErrRefreshFailed marks a sync database refresh that could not
// complete. Callers degrade to stale data when any is present.
var ErrRefreshFailed = errors.New("database refresh failed")

// Refresh downloads each configured repo's sync database into the
// dbpath. Without force, an unchanged server copy (via
// If-Modified-Since) is skipped. The first failure is returned after
// all repos have been attempted.
func (d *DB) Refresh(ctx context.Context, force bool) error {
	log := logger.Logger()
	log.Info("synchronising package databases...")

	if err := os.MkdirAll(d.syncDir(), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	var firstErr error
	for _, repo := range d.conf.Repos {
		if err := d.refreshRepo(ctx, repo.Name, repo.Servers, force); err != nil {
			log.Warnf("could not refresh %s: %v", repo.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, firstErr)
	}
	return nil
}

func (d *DB) refreshRepo(ctx context.Context, repo string, servers []string, force bool) error {
	if len(servers) == 0 {
		return fmt.Errorf("%s: %w", repo, ErrNoServers)
	}

	dest := d.syncPath(repo)
	url := servers[0] + "/" + repo + d.ext

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if !force {
		if info, err := os.Stat(dest); err == nil {
			req.Header.Set("If-Modified-Since", info.ModTime().UTC().Format(http.TimeFormat))
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		logger.Logger().Infof("%s%s is up to date", repo, d.ext)
		return nil
	default:
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(d.syncDir(), "."+repo+d.ext+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.ReadFrom(resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	logger.Logger().Infof("%s%s downloaded", repo, d.ext)
	return nil
}
