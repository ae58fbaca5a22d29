// Package verifier implements piece verification as a dedicated worker
// pool: it streams each piece through SHA-1 against the metainfo-declared
// hash and calls back per piece, mirroring torrent.c's
// tr_torrentSetHasPiece callback style.
package verifier

import (
	"crypto/sha1"
	"fmt"
	"io"
	"runtime"
	"sync"
)

// PieceReader opens a section reader over a piece's bytes as currently laid
// out on disk; a missing or short file is reported through err, not panic.
type PieceReader func(piece uint32) (io.ReadCloser, error)

// ResultFunc receives one piece's verification outcome as it completes.
// Pieces are not guaranteed to arrive in order: callers needing order must
// buffer.
type ResultFunc func(piece uint32, ok bool)

// Verifier is the collaborator interface the lifecycle driver's verify()
// depends on.
type Verifier interface {
	// Verify checks every piece in [0, pieceCount) against expectedHash(p),
	// invoking onResult for each as it completes, and returns once all
	// pieces have been checked; a running Verify cannot be cancelled.
	Verify(pieceCount uint32, expectedHash func(piece uint32) [20]byte, read PieceReader, onResult ResultFunc, workers int) error
}

// SHA1Verifier is the default Verifier: a bounded worker pool that streams
// each piece through crypto/sha1 and compares against the metainfo hash.
type SHA1Verifier struct{}

// Verify implements Verifier. workers <= 0 defaults to runtime.NumCPU(),
// capped so a large machine doesn't saturate disk with hashers.
func (SHA1Verifier) Verify(pieceCount uint32, expectedHash func(piece uint32) [20]byte, read PieceReader, onResult ResultFunc, workers int) error {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers < 1 {
		workers = 1
	}
	const maxWorkers = 16
	if workers > maxWorkers {
		workers = maxWorkers
	}

	jobs := make(chan uint32, workers*2)
	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for piece := range jobs {
				ok, err := verifyOne(piece, expectedHash(piece), read)
				if err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("verifier: piece %d: %w", piece, err)
					}
					errMu.Unlock()
					onResult(piece, false)
					continue
				}
				onResult(piece, ok)
			}
		}()
	}

	for p := uint32(0); p < pieceCount; p++ {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	return firstErr
}

func verifyOne(piece uint32, want [20]byte, read PieceReader) (bool, error) {
	rc, err := read(piece)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	h := sha1.New()
	if _, err := io.Copy(h, rc); err != nil {
		return false, err
	}
	var got [20]byte
	copy(got[:], h.Sum(nil))
	return got == want, nil
}
