// Package pool provides scratch-buffer recycling for the PCM and encoded
// payload buffers that flow through a Stream's codec stage, adapted from
// the teacher's fixed sampleRate/ptime pool table (§5: per-stream buffers
// must not allocate once steady state is reached).
//
// Unlike the teacher, which precomputes one pool per (sampleRate, ptime)
// pair it knows about ahead of time, a Stream's clock rate here is
// determined by the RTP payload type signaled at session open (§3) and
// isn't known at init time, so pools are created lazily and keyed by the
// frame size actually requested.
package pool

import (
	"sync"

	"github.com/gobwas/pool/pbytes"
)

// Registry lazily creates and caches one PCM pool per distinct frame size
// in samples. Safe for concurrent use; a Stream typically owns one entry
// but pools are process-wide so short-lived streams at common frame sizes
// (e.g. 960 samples for 48kHz/20ms) still benefit from reuse.
type Registry struct {
	mu    sync.Mutex
	byLen map[int]*sync.Pool
}

var global = &Registry{byLen: make(map[int]*sync.Pool)}

// GetPCM returns an int16 slice of exactly frameSize samples, zeroed.
func GetPCM(frameSize int) []int16 {
	return global.getPCM(frameSize)
}

// PutPCM returns a slice obtained from GetPCM for reuse.
func PutPCM(pcm []int16) {
	global.putPCM(pcm)
}

func (r *Registry) poolFor(frameSize int) *sync.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byLen[frameSize]
	if !ok {
		p = &sync.Pool{New: func() interface{} {
			return make([]int16, frameSize)
		}}
		r.byLen[frameSize] = p
	}
	return p
}

func (r *Registry) getPCM(frameSize int) []int16 {
	p := r.poolFor(frameSize)
	pcm := p.Get().([]int16)
	for i := range pcm {
		pcm[i] = 0
	}
	return pcm
}

func (r *Registry) putPCM(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	p := r.poolFor(len(pcm))
	p.Put(pcm) //nolint:staticcheck // slice header copy is intentional, same as teacher's usage
}

// GetEncoded borrows a scratch byte buffer sized for one encoded packet,
// via the same gobwas/pool/pbytes allocator the teacher uses for its Opus
// scratch buffers.
func GetEncoded(maxLen int) []byte {
	return pbytes.GetLen(maxLen)
}

// PutEncoded returns a buffer obtained from GetEncoded.
func PutEncoded(b []byte) {
	pbytes.Put(b)
}
