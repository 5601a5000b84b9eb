// Package audio handles microphone capture with backpressure. A single writer
// goroutine owns both the full-session recording and the rotating chunk
// buffer consumed by batch transcription.
package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/meetcap/meetcap/internal/errors"
)

// Format describes the captured PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Capture buffer sizing.
const (
	framesPerBuffer = 1024
	feedBuffer      = 64
)

// Capturer records from the default input device. It exposes both capture
// shapes the pipeline understands: a live frame sequence for streaming
// transcription and rotation of WAV chunks for batch transcription.
type Capturer struct {
	format Format
	dir    string

	mu      sync.Mutex
	stream  *portaudio.Stream
	w       *writer
	file    *os.File
	cancel  context.CancelFunc
	started time.Time
	stopped time.Time
	running bool
	path    string
}

// NewCapturer creates a capturer. dir receives the full-session WAV file; an
// empty dir disables the session recording.
func NewCapturer(format Format, dir string) *Capturer {
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Capturer{format: format, dir: dir}
}

// RequestPermission checks that an input device can be acquired.
func (c *Capturer) RequestPermission() bool {
	if err := portaudio.Initialize(); err != nil {
		slog.Warn("audio init failed", "error", err)
		return false
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		_ = portaudio.Terminate()
		return false
	}
	_ = portaudio.Terminate()
	return true
}

// Start opens the default input device and begins feeding the writer.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return errors.Wrap(err, errors.CodePermissionDenied, "audio subsystem init failed")
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		_ = portaudio.Terminate()
		return errors.Wrap(err, errors.CodePermissionDenied, "no input device available")
	}

	var file *os.File
	if c.dir != "" {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			_ = portaudio.Terminate()
			return errors.Wrap(err, errors.CodeInternal, "creating recording dir")
		}
		name := fmt.Sprintf("session-%d.wav", time.Now().UnixNano())
		file, err = os.Create(filepath.Join(c.dir, name))
		if err != nil {
			_ = portaudio.Terminate()
			return errors.Wrap(err, errors.CodeInternal, "creating session file")
		}
		c.path = file.Name()
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: c.format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	buf := make([]int16, framesPerBuffer*c.format.Channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		closeQuiet(file)
		_ = portaudio.Terminate()
		return errors.Wrap(err, errors.CodePermissionDenied, "opening input stream")
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		closeQuiet(file)
		_ = portaudio.Terminate()
		return errors.Wrap(err, errors.CodePermissionDenied, "starting input stream")
	}

	var sessionDst io.WriteSeeker
	if file != nil {
		sessionDst = file
	}
	w := newWriter(sessionDst, c.format.SampleRate, c.format.Channels, feedBuffer)
	go w.run()

	captureCtx, cancel := context.WithCancel(ctx)
	c.stream = stream
	c.w = w
	c.file = file
	c.cancel = cancel
	c.started = time.Now()
	c.stopped = time.Time{}
	c.running = true

	go func() {
		defer close(w.in)
		for {
			select {
			case <-captureCtx.Done():
				return
			default:
			}

			if err := stream.Read(); err != nil {
				slog.Debug("audio read error", "error", err)
				return
			}

			pcm := Int16ToBytes(buf)
			select {
			case w.in <- pcm:
			default:
				slog.Debug("audio feed full, dropping frame")
			}
		}
	}()

	slog.Info("started audio capture", "device", dev.Name, "sample_rate", c.format.SampleRate)
	return nil
}

// Frames returns the live PCM frame sequence, or nil before Start. The
// channel closes once capture stops and the writer drains.
func (c *Capturer) Frames() <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return nil
	}
	return c.w.frames
}

// Format returns the capture format.
func (c *Capturer) Format() Format { return c.format }

// Elapsed returns wall-clock recording time. After stop it reports the final
// session length rather than resetting.
func (c *Capturer) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		return 0
	}
	if !c.running && !c.stopped.IsZero() {
		return c.stopped.Sub(c.started)
	}
	return time.Since(c.started)
}

// Path returns the session WAV file path, empty when recording is disabled.
func (c *Capturer) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// NextRotatedChunk returns whatever audio accumulated since the previous
// rotation as a complete WAV, or nil when nothing meaningful accumulated.
// Non-blocking.
func (c *Capturer) NextRotatedChunk() []byte {
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.rotate()
}

// StopAndTrailingChunk stops capture, waits for the writer to drain, and
// returns the final partial chunk. The frame sequence closes as a side
// effect, which is how streaming mode observes end-of-input.
func (c *Capturer) StopAndTrailingChunk() []byte {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.stopped = time.Now()
	stream, w, file, cancel := c.stream, c.w, c.file, c.cancel
	c.stream = nil
	c.mu.Unlock()

	cancel()
	_ = stream.Stop()
	_ = stream.Close()

	w.wait()
	trailing := w.rotate()

	closeQuiet(file)
	_ = portaudio.Terminate()
	return trailing
}

func closeQuiet(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
