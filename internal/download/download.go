// Package download materializes pending package downloads into local
// files. A batch runs concurrently up to a bounded number of workers;
// each target's failure is isolated so the rest of the batch proceeds.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/Morganamilo/paccat/internal/logger"
	"github.com/Morganamilo/paccat/internal/privilege"
)

var (
	// ErrFailed marks a network or filesystem failure for one download.
	ErrFailed = errors.New("download failed")

	// ErrVerificationFailed marks a checksum or signature mismatch. The
	// file is discarded, never served.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrEmptyFile marks a zero-byte download result, distinct from a
	// generic I/O failure.
	ErrEmptyFile = errors.New("downloaded file is empty")

	// ErrPermissionDenied marks a scratch or cache directory the
	// process may not write to.
	ErrPermissionDenied = errors.New("permission denied")
)

// Request is one pending download.
type Request struct {
	URL      string
	FileName string
	SHA256   string // hex, empty when unknown
	PGPSig   string // base64 detached signature, empty when unknown
}

// Result is the outcome for one request.
type Result struct {
	Path string
	Err  error
}

// Manager executes download batches into a per-run scratch directory.
type Manager struct {
	client     *http.Client
	workers    int
	scratchDir string
	verifier   *Verifier
	owner      *privilege.Identity
}

// NewManager builds a manager. owner may be nil, in which case no
// ownership adjustment happens. verifier may be nil to skip signature
// checks (checksums are always enforced when known).
func NewManager(client *http.Client, workers int, scratchDir string, verifier *Verifier, owner *privilege.Identity) *Manager {
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		client:     client,
		workers:    workers,
		scratchDir: scratchDir,
		verifier:   verifier,
		owner:      owner,
	}
}

// ScratchDir returns the per-user scratch directory for this run,
// named after the invoking user so concurrent invocations by
// different users never collide.
func ScratchDir() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("paccat-%d", privilege.CallerUID()))
}

// Batch exposes per-request completion so extraction of target i can
// begin as soon as its download finishes, independent of the others.
type Batch struct {
	results []Result
	done    []chan struct{}
}

// Wait blocks until request i completes and returns its result.
func (b *Batch) Wait(i int) Result {
	<-b.done[i]
	return b.results[i]
}

// Fetch starts the batch and returns immediately. Jobs are spread over
// the worker pool; progress is reported on stderr.
func (m *Manager) Fetch(ctx context.Context, reqs []*Request) *Batch {
	batch := &Batch{
		results: make([]Result, len(reqs)),
		done:    make([]chan struct{}, len(reqs)),
	}
	for i := range batch.done {
		batch.done[i] = make(chan struct{})
	}
	if len(reqs) == 0 {
		return batch
	}

	bar := progressbar.NewOptions(len(reqs),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	jobs := make(chan int, len(reqs))
	var wg sync.WaitGroup

	for w := 0; w < m.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				req := reqs[i]
				bar.Describe(fmt.Sprintf("downloading %s", req.FileName))
				logger.Logger().Infof("downloading %s...", req.FileName)

				path, err := m.fetchOne(ctx, req)
				if err != nil {
					logger.Logger().Errorf("%s failed to download: %v", req.FileName, err)
				}
				batch.results[i] = Result{Path: path, Err: err}
				close(batch.done[i])
				bar.Add(1)
			}
		}()
	}

	for i := range reqs {
		jobs <- i
	}
	close(jobs)

	go func() {
		wg.Wait()
		bar.Finish()
	}()
	return batch
}

// writeErr distinguishes an unwritable destination from a generic
// download failure.
func writeErr(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return ErrPermissionDenied
	}
	return ErrFailed
}

func (m *Manager) fetchOne(ctx context.Context, req *Request) (string, error) {
	if err := os.MkdirAll(m.scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", writeErr(err), err)
	}

	final := filepath.Join(m.scratchDir, req.FileName)
	tmp := filepath.Join(m.scratchDir, fmt.Sprintf("%s.%s.part", req.FileName, uuid.NewString()))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailed, err)
	}
	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: GET %s: %s", ErrFailed, req.URL, resp.Status)
	}

	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", writeErr(err), err)
	}
	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, hash), resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if n == 0 {
		os.Remove(tmp)
		return "", fmt.Errorf("%s: %w", req.FileName, ErrEmptyFile)
	}

	if req.SHA256 != "" {
		sum := hex.EncodeToString(hash.Sum(nil))
		if sum != req.SHA256 {
			os.Remove(tmp)
			return "", fmt.Errorf("%s: sha256 mismatch (got %s): %w", req.FileName, sum, ErrVerificationFailed)
		}
	}

	if m.verifier != nil && req.PGPSig != "" {
		if err := m.verifier.VerifyFile(tmp, req.PGPSig); err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("%s: %w: %v", req.FileName, ErrVerificationFailed, err)
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrFailed, err)
	}

	// Never leave downloaded content owned by a privileged identity.
	if m.owner != nil {
		m.owner.Own(final)
	}
	return final, nil
}
