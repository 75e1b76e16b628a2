// Package transfer streams files over the session data channel: 64 KiB
// plaintext chunks, each encrypted with its own nonce, paced against the
// channel's buffered-amount so a fast sender cannot overrun the SCTP
// buffer. One outbound and one inbound transfer may be in flight per
// session at a time.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/peercall/internal/crypto"
	"github.com/mossy-p/peercall/internal/protocol"
)

const (
	// ChunkSize is the plaintext chunk size.
	ChunkSize = 64 * 1024

	// BufferHighWater pauses sending when the channel's buffered amount
	// reaches it.
	BufferHighWater = 1024 * 1024

	// BufferLowWater is the buffered-amount threshold at which a paused
	// sender resumes.
	BufferLowWater = BufferHighWater / 2

	// MaxFileSize is the largest file accepted for transfer. Larger
	// requests are rejected locally before any frame is sent.
	MaxFileSize = 100 * 1024 * 1024
)

var (
	// ErrFileTooLarge is returned for files over MaxFileSize.
	ErrFileTooLarge = fmt.Errorf("transfer: file exceeds %d bytes", MaxFileSize)

	// ErrTransferActive is returned when a send is requested while
	// another outbound transfer is running.
	ErrTransferActive = errors.New("transfer: another outbound transfer is in flight")

	// ErrCancelled is returned when the transfer was cancelled, locally
	// or by the channel closing mid-stream.
	ErrCancelled = errors.New("transfer: cancelled")
)

// Channel is the slice of the data channel the engine needs. The
// transport session satisfies it.
type Channel interface {
	SendText(payload string) error
	SendBytes(payload []byte) error
	BufferedAmount() uint64
}

// Progress reports transfer advancement. Total is the declared size;
// Done bytes are monotonically non-decreasing.
type Progress struct {
	ID    string
	Name  string
	Done  int64
	Total int64
}

// File is a fully assembled inbound file handed to the application layer.
type File struct {
	ID       string
	Name     string
	MimeType string
	Data     []byte
}

// Sender streams outbound files. At most one transfer runs at a time.
type Sender struct {
	channel Channel
	key     *crypto.Key
	logger  *slog.Logger

	mu          sync.Mutex
	active      bool
	cancel      chan struct{}
	cancelOnce  *sync.Once
	bufferedLow chan struct{}
}

// NewSender creates a sender bound to a channel and session key. The
// transport's buffered-amount-low callback must be wired to
// NotifyBufferedLow with a threshold of BufferLowWater.
func NewSender(channel Channel, key *crypto.Key, logger *slog.Logger) *Sender {
	return &Sender{
		channel:     channel,
		key:         key,
		logger:      logger,
		bufferedLow: make(chan struct{}, 1),
	}
}

// NotifyBufferedLow wakes a sender paused on backpressure. Wire it to the
// data channel's OnBufferedAmountLow callback.
func (s *Sender) NotifyBufferedLow() {
	select {
	case s.bufferedLow <- struct{}{}:
	default:
	}
}

// Cancel aborts the in-flight transfer, if any. The abort frame is
// emitted at the next chunk boundary.
func (s *Sender) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active && s.cancelOnce != nil {
		cancel := s.cancel
		s.cancelOnce.Do(func() { close(cancel) })
	}
}

// Send streams data as a file transfer, blocking until the final chunk
// has been queued on the channel (or the transfer fails). The progress
// callback fires after every chunk.
func (s *Sender) Send(ctx context.Context, name, mimeType string, data []byte, progress func(Progress)) error {
	if int64(len(data)) > MaxFileSize {
		return ErrFileTooLarge
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrTransferActive
	}
	s.active = true
	s.cancel = make(chan struct{})
	s.cancelOnce = &sync.Once{}
	cancel := s.cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.cancelOnce = nil
		s.mu.Unlock()
	}()

	transferID := uuid.New().String()
	total := int64(len(data))

	meta, err := protocol.Encode(protocol.FileMeta(transferID, name, total, mimeType))
	if err != nil {
		return err
	}
	if err := s.channel.SendText(meta); err != nil {
		return fmt.Errorf("sending file metadata: %w", err)
	}
	s.logger.Info("file transfer started", "id", transferID, "name", name, "size", total)

	for offset := int64(0); offset < total; {
		if err := s.waitForCapacity(ctx, cancel); err != nil {
			s.abort(transferID)
			return err
		}

		end := offset + ChunkSize
		if end > total {
			end = total
		}
		ciphertext, nonce, err := s.key.EncryptBytes(data[offset:end])
		if err != nil {
			s.abort(transferID)
			return fmt.Errorf("encrypting chunk at %d: %w", offset, err)
		}
		if err := s.channel.SendBytes(protocol.PackChunk(nonce, ciphertext)); err != nil {
			// Channel closed under us; the peer discards the partial
			// assembly on its own.
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		offset = end
		if progress != nil {
			progress(Progress{ID: transferID, Name: name, Done: offset, Total: total})
		}
	}

	s.logger.Info("file transfer complete", "id", transferID, "name", name)
	return nil
}

// waitForCapacity blocks while the channel's buffered amount is at or
// above the high-water mark, resuming on the low-water callback. Checks
// the cancellation token at every wakeup.
func (s *Sender) waitForCapacity(ctx context.Context, cancel <-chan struct{}) error {
	for {
		select {
		case <-cancel:
			return ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if s.channel.BufferedAmount() < BufferHighWater {
			return nil
		}

		select {
		case <-s.bufferedLow:
		case <-cancel:
			return ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			// Low-water callbacks can be lost across channel teardown;
			// re-check the buffered amount rather than waiting forever.
		}
	}
}

func (s *Sender) abort(transferID string) {
	frame, err := protocol.Encode(protocol.FileAbort(transferID))
	if err != nil {
		return
	}
	if err := s.channel.SendText(frame); err != nil {
		s.logger.Warn("sending file-abort failed", "id", transferID, "error", err)
	}
}

// assembly is the single in-flight inbound file.
type assembly struct {
	id       string
	name     string
	mimeType string
	size     int64
	chunks   [][]byte
	received int64
}

// Receiver assembles inbound files. A new file-meta while an assembly is
// incomplete discards the in-progress one.
type Receiver struct {
	key    *crypto.Key
	logger *slog.Logger

	mu      sync.Mutex
	current *assembly

	onProgress func(Progress)
	onComplete func(File)
}

// NewReceiver creates a receiver. onProgress fires after every decrypted
// chunk; onComplete hands over the assembled file.
func NewReceiver(key *crypto.Key, onProgress func(Progress), onComplete func(File), logger *slog.Logger) *Receiver {
	return &Receiver{
		key:        key,
		logger:     logger,
		onProgress: onProgress,
		onComplete: onComplete,
	}
}

// HandleMeta starts a new assembly from a file-meta frame.
func (r *Receiver) HandleMeta(frame protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.logger.Warn("new file-meta while assembly incomplete, discarding",
			"old", r.current.id, "new", frame.ID)
	}
	r.current = &assembly{
		id:       frame.ID,
		name:     frame.Name,
		mimeType: frame.MimeType,
		size:     frame.Size,
	}
}

// HandleAbort discards the assembly the sender cancelled.
func (r *Receiver) HandleAbort(frame protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.id == frame.ID {
		r.logger.Info("file transfer aborted by sender", "id", frame.ID)
		r.current = nil
	}
}

// HandleChunk decrypts and appends one binary frame. Decryption failure
// aborts the assembly and discards partial data.
func (r *Receiver) HandleChunk(frame []byte) error {
	r.mu.Lock()
	current := r.current
	r.mu.Unlock()
	if current == nil {
		return errors.New("transfer: chunk received with no assembly in progress")
	}

	nonce, ciphertext, err := protocol.SplitChunk(frame)
	if err != nil {
		r.discard(current.id)
		return err
	}
	plaintext, err := r.key.DecryptBytes(ciphertext, nonce)
	if err != nil {
		r.discard(current.id)
		return fmt.Errorf("decrypting chunk of %s: %w", current.id, err)
	}

	r.mu.Lock()
	if r.current != current {
		// Assembly was replaced while we were decrypting.
		r.mu.Unlock()
		return nil
	}
	current.chunks = append(current.chunks, plaintext)
	current.received += int64(len(plaintext))
	done := current.received
	complete := done >= current.size
	if complete {
		r.current = nil
	}
	r.mu.Unlock()

	if r.onProgress != nil {
		r.onProgress(Progress{ID: current.id, Name: current.name, Done: done, Total: current.size})
	}
	if complete {
		if done > current.size {
			r.logger.Warn("assembly overran declared size, discarding",
				"id", current.id, "received", done, "declared", current.size)
			return fmt.Errorf("transfer: assembly %s overran declared size", current.id)
		}
		data := make([]byte, 0, current.size)
		for _, chunk := range current.chunks {
			data = append(data, chunk...)
		}
		r.logger.Info("file assembled", "id", current.id, "name", current.name, "size", done)
		if r.onComplete != nil {
			r.onComplete(File{ID: current.id, Name: current.name, MimeType: current.mimeType, Data: data})
		}
	}
	return nil
}

// Reset discards any in-progress assembly, for session teardown.
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
}

func (r *Receiver) discard(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.id == id {
		r.current = nil
	}
}
