package output

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// Indexer is the capture index shared by every run in the process.  It is
// safe for concurrent use.
type Indexer struct {
	mu   sync.Mutex
	next uint64
}

// NewIndexer returns an Indexer whose first index is start
func NewIndexer(start uint64) *Indexer {
	return &Indexer{next: start}
}

// Peek returns the index Next will hand out
func (ix *Indexer) Peek() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.next
}

// Next returns the current index and advances it
func (ix *Indexer) Next() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := ix.next
	ix.next++
	return n
}

// Set resets the next index to n
func (ix *Indexer) Set(n uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.next = n
}

// Seed scans dir for files named prefix<digits><ext> and advances the index
// past the largest one found.  The index never moves backwards.  A missing
// directory is not an error.
func (ix *Indexer) Seed(dir, prefix, ext string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var (
		found bool
		top   uint64
	)
	for _, e := range entries {
		// skip directories, wrong extension, and wrong prefix
		if e.IsDir() {
			continue
		}
		fn := e.Name()
		if !strings.HasSuffix(fn, ext) || !strings.HasPrefix(fn, prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, prefix), ext)
		n, err := strconv.ParseUint(bit, 10, 64)
		if err != nil {
			continue
		}
		if !found || n > top {
			top, found = n, true
		}
	}
	if !found {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if top+1 > ix.next {
		ix.next = top + 1
	}
	return nil
}
