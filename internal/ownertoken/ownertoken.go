// Package ownertoken generates lock owner tokens that are unique across processes.
package ownertoken

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Source hands out owner tokens of the form
//
//	prefix + instanceID + ":" + pid + ":" + counter
//
// instanceID is a UUIDv7 minted once per Source, so tokens from different
// processes (or different Sources in one process) never collide, and the
// counter keeps tokens from one Source distinct. A token therefore identifies
// a single lock holder, not just the process it runs in.
type Source struct {
	base    string
	counter atomic.Uint64
}

// New creates a Source whose tokens start with prefix.
func New(prefix string) *Source {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	var sb strings.Builder
	sb.Grow(len(prefix) + 36 + 12)
	sb.WriteString(prefix)
	sb.WriteString(id.String())
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(os.Getpid()))
	sb.WriteByte(':')
	return &Source{base: sb.String()}
}

// Next returns a fresh token.
func (s *Source) Next() string {
	return s.base + strconv.FormatUint(s.counter.Add(1), 10)
}
