package audio

import (
	"io"
	"log/slog"
	"sync"
)

// writer is the single owner of both capture destinations: the full-session
// WAV file and the rotating chunk buffer. It is fed PCM through a bounded
// channel so the capture callback never blocks on disk, and no destination is
// ever written from two goroutines.
type writer struct {
	in     chan []byte
	frames chan []byte

	session    io.WriteSeeker // nil when no session file is kept
	sampleRate int
	channels   int

	chunkMu sync.Mutex
	chunk   []byte

	written int64
	done    chan struct{}
}

func newWriter(session io.WriteSeeker, sampleRate, channels, feedBuffer int) *writer {
	return &writer{
		in:         make(chan []byte, feedBuffer),
		frames:     make(chan []byte, feedBuffer),
		session:    session,
		sampleRate: sampleRate,
		channels:   channels,
		done:       make(chan struct{}),
	}
}

// run drains the feed until it is closed, then patches the session WAV header
// and closes the frame fanout. Must be called exactly once.
func (w *writer) run() {
	defer close(w.done)
	defer close(w.frames)

	if w.session != nil {
		var header [WAVHeaderSize]byte
		putWAVHeader(header[:], 0, w.sampleRate, w.channels)
		if _, err := w.session.Write(header[:]); err != nil {
			slog.Warn("session file header write failed", "error", err)
			w.session = nil
		}
	}

	for pcm := range w.in {
		if w.session != nil {
			if _, err := w.session.Write(pcm); err != nil {
				slog.Warn("session file write failed", "error", err)
				w.session = nil
			} else {
				w.written += int64(len(pcm))
			}
		}

		w.chunkMu.Lock()
		w.chunk = append(w.chunk, pcm...)
		w.chunkMu.Unlock()

		// Live frame fanout for streaming mode; drop when nobody drains.
		select {
		case w.frames <- pcm:
		default:
		}
	}

	w.finalizeSession()
}

func (w *writer) finalizeSession() {
	if w.session == nil {
		return
	}
	if _, err := w.session.Seek(0, io.SeekStart); err != nil {
		slog.Warn("session file seek failed", "error", err)
		return
	}
	var header [WAVHeaderSize]byte
	putWAVHeader(header[:], int(w.written), w.sampleRate, w.channels)
	if _, err := w.session.Write(header[:]); err != nil {
		slog.Warn("session file header patch failed", "error", err)
	}
}

// rotate swaps out the accumulated chunk PCM and returns it WAV-encoded.
// Returns nil when nothing has accumulated since the previous rotation.
func (w *writer) rotate() []byte {
	w.chunkMu.Lock()
	pcm := w.chunk
	w.chunk = nil
	w.chunkMu.Unlock()

	if len(pcm) == 0 {
		return nil
	}
	return EncodeWAV(pcm, w.sampleRate, w.channels)
}

// wait blocks until run has finished draining the feed.
func (w *writer) wait() {
	<-w.done
}
