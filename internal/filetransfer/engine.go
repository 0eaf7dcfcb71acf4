// Package filetransfer moves files between peers as a stream of checksummed
// chunks over the same message channel used for input.
package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/makeagreatcoup/inputleapcode/internal/metrics"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

// Defaults
const (
	DefaultChunkSize   = 64 << 10
	DefaultMaxFileSize = 100 << 20
	DefaultHistory     = 100
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPreparing    Status = "preparing"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Direction tells whether a transfer is outgoing or incoming.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Config holds the engine settings.
type Config struct {
	ChunkSize   int
	MaxFileSize int64
	DownloadDir string

	// History is how many finished transfers are kept for Status and List.
	History int
}

// Sender writes one message to a peer.
type Sender func(peer string, msg *protocol.Message) error

// Info is a read-only view of a transfer.
type Info struct {
	ID          string    `json:"id"`
	Peer        string    `json:"peer"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	FileHash    string    `json:"fileHash"`
	Direction   Direction `json:"direction"`
	Status      Status    `json:"status"`
	Transferred int64     `json:"transferred"`
	Path        string    `json:"path,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
}

// Progress is reported after every chunk in either direction.
type Progress struct {
	ID          string
	FileName    string
	Direction   Direction
	Transferred int64
	Total       int64
}

// Result is reported once per transfer when it reaches a terminal state.
type Result struct {
	ID        string
	FileName  string
	Direction Direction
	Status    Status
	Path      string
	Err       error
}

type transfer struct {
	Info
	err    error
	chunks map[int][]byte
}

// Engine owns every active transfer.
type Engine struct {
	cfg   Config
	send  Sender
	clock clock.Clock
	scope tally.Scope

	mu         sync.Mutex
	transfers  map[string]*transfer
	finished   []string
	onProgress func(Progress)
	onComplete func(Result)
}

// New creates an Engine. send may be nil for a receive-only engine.
func New(cfg Config, send Sender, clk clock.Clock, scope tally.Scope) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		cfg:       cfg,
		send:      send,
		clock:     clk,
		scope:     metrics.OrNoop(scope),
		transfers: make(map[string]*transfer),
	}
}

// OnProgress registers the progress callback.
func (e *Engine) OnProgress(fn func(Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onProgress = fn
}

// OnComplete registers the callback fired once per finished transfer.
func (e *Engine) OnComplete(fn func(Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onComplete = fn
}

// Send streams the file at filePath to peer and blocks until the last
// message has been handed to the Sender. It returns the transfer id.
func (e *Engine) Send(ctx context.Context, filePath, peer string) (string, error) {
	if e.send == nil {
		return "", errors.New("filetransfer: engine has no sender")
	}

	st, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("filetransfer: %w", err)
	}
	if st.IsDir() {
		return "", fmt.Errorf("filetransfer: %s is a directory", filePath)
	}
	name := filepath.Base(filePath)
	if st.Size() > e.cfg.MaxFileSize {
		return "", &TransferError{FileName: name, Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, st.Size(), e.cfg.MaxFileSize)}
	}

	t := &transfer{Info: Info{
		ID:        uuid.NewString(),
		Peer:      peer,
		FileName:  name,
		FileSize:  st.Size(),
		Direction: DirectionSend,
		Status:    StatusPreparing,
		StartedAt: e.clock.Now(),
	}}
	e.mu.Lock()
	e.transfers[t.ID] = t
	e.mu.Unlock()

	hash, err := FileHash(filePath)
	if err != nil {
		e.finish(t.ID, StatusFailed, "", err)
		return t.ID, &TransferError{ID: t.ID, FileName: name, Err: err}
	}

	e.mu.Lock()
	t.FileHash = hash
	if t.Status == StatusPreparing {
		t.Status = StatusTransferring
	}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Send",
		"transfer_id": t.ID,
		"file_name":   name,
		"file_size":   st.Size(),
		"peer":        peer,
	}).Info("Starting file transfer")

	if err := e.stream(ctx, t, filePath); err != nil {
		status := StatusFailed
		if errors.Is(err, ErrCancelled) {
			status = StatusCancelled
		}
		// The receiver already knows when it was the one to give up.
		if !errors.Is(err, ErrRemote) {
			e.notifyEnd(t.Peer, t.ID, err)
		}
		e.finish(t.ID, status, "", err)
		return t.ID, &TransferError{ID: t.ID, FileName: name, Err: err}
	}

	e.finish(t.ID, StatusCompleted, "", nil)
	return t.ID, nil
}

func (e *Engine) stream(ctx context.Context, t *transfer, filePath string) error {
	start, err := protocol.NewMessage(protocol.TypeFileTransferStart, protocol.FileTransferStart{
		TransferID: t.ID,
		FileName:   t.FileName,
		FileSize:   t.FileSize,
		FileHash:   t.FileHash,
	})
	if err != nil {
		return err
	}
	if err := e.send(t.Peer, start); err != nil {
		return err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, e.cfg.ChunkSize)
	var sent int64
	for index := 0; ; index++ {
		if err := e.checkRunning(ctx, t.ID); err != nil {
			return err
		}

		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			msg, err := protocol.NewMessage(protocol.TypeFileTransferData, protocol.FileTransferChunk{
				TransferID: t.ID,
				ChunkIndex: index,
				Data:       data,
				Checksum:   ChunkChecksum(data),
			})
			if err != nil {
				return err
			}
			if err := e.send(t.Peer, msg); err != nil {
				return err
			}
			sent += int64(n)
			e.progress(t.ID, sent)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	if err := e.checkRunning(ctx, t.ID); err != nil {
		return err
	}
	end, err := protocol.NewMessage(protocol.TypeFileTransferEnd, protocol.FileTransferEnd{TransferID: t.ID, Success: true})
	if err != nil {
		return err
	}
	return e.send(t.Peer, end)
}

func (e *Engine) checkRunning(ctx context.Context, id string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	switch {
	case !ok, t.Status == StatusCancelled:
		return ErrCancelled
	case t.Status.terminal():
		return t.err
	}
	return nil
}

// notifyEnd tells the other side of a transfer that it will not complete.
func (e *Engine) notifyEnd(peer, id string, cause error) {
	if e.send == nil {
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeFileTransferEnd, protocol.FileTransferEnd{
		TransferID: id,
		Success:    false,
		Error:      cause.Error(),
	})
	if err != nil {
		return
	}
	if err := e.send(peer, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "notifyEnd",
			"transfer_id": id,
			"peer":        peer,
			"error":       err.Error(),
		}).Debug("Could not notify peer of aborted transfer")
	}
}

// failReceive fails an incoming transfer and asks the sender to stop.
func (e *Engine) failReceive(peer, id, name string, err error) error {
	if e.finish(id, StatusFailed, "", err) {
		e.notifyEnd(peer, id, err)
	}
	return &TransferError{ID: id, FileName: name, Err: err}
}

// ReceiveStart opens a transfer announced by peer.
func (e *Engine) ReceiveStart(peer string, meta protocol.FileTransferStart) error {
	if meta.TransferID == "" {
		return fmt.Errorf("filetransfer: start without transfer id")
	}
	name := SanitizeName(meta.FileName)

	e.mu.Lock()
	if _, exists := e.transfers[meta.TransferID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("filetransfer: duplicate transfer id %s", meta.TransferID)
	}
	t := &transfer{
		Info: Info{
			ID:        meta.TransferID,
			Peer:      peer,
			FileName:  name,
			FileSize:  meta.FileSize,
			FileHash:  strings.ToLower(meta.FileHash),
			Direction: DirectionReceive,
			Status:    StatusTransferring,
			StartedAt: e.clock.Now(),
		},
		chunks: make(map[int][]byte),
	}
	e.transfers[t.ID] = t
	e.mu.Unlock()

	if meta.FileSize < 0 || meta.FileSize > e.cfg.MaxFileSize {
		err := fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, meta.FileSize, e.cfg.MaxFileSize)
		return e.failReceive(peer, t.ID, name, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "ReceiveStart",
		"transfer_id": t.ID,
		"file_name":   name,
		"file_size":   meta.FileSize,
		"peer":        peer,
	}).Info("Receiving file")
	return nil
}

// ReceiveChunk verifies and stores one chunk. A bad chunk fails only its
// own transfer. Chunks for cancelled or failed transfers are dropped.
func (e *Engine) ReceiveChunk(chunk protocol.FileTransferChunk) error {
	e.mu.Lock()
	t, ok := e.transfers[chunk.TransferID]
	if !ok || t.Direction != DirectionReceive {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, chunk.TransferID)
	}
	if t.Status != StatusTransferring {
		e.mu.Unlock()
		return nil
	}
	name, peer := t.FileName, t.Peer
	e.mu.Unlock()

	if ChunkChecksum(chunk.Data) != strings.ToLower(chunk.Checksum) {
		e.scope.Counter(metrics.ChecksumMismatches).Inc(1)
		err := fmt.Errorf("%w: chunk %d", ErrChecksumMismatch, chunk.ChunkIndex)
		return e.failReceive(peer, chunk.TransferID, name, err)
	}
	if chunk.ChunkIndex < 0 {
		err := fmt.Errorf("%w: negative chunk index %d", ErrIntegrity, chunk.ChunkIndex)
		return e.failReceive(peer, chunk.TransferID, name, err)
	}

	e.mu.Lock()
	if t.Status != StatusTransferring {
		e.mu.Unlock()
		return nil
	}
	if prev, dup := t.chunks[chunk.ChunkIndex]; dup {
		t.Transferred -= int64(len(prev))
	}
	t.chunks[chunk.ChunkIndex] = chunk.Data
	t.Transferred += int64(len(chunk.Data))
	received := t.Transferred
	over := received > t.FileSize
	e.mu.Unlock()

	if over {
		err := fmt.Errorf("%w: received %d bytes, announced %d", ErrIntegrity, received, t.FileSize)
		return e.failReceive(peer, chunk.TransferID, name, err)
	}

	e.progress(chunk.TransferID, received)
	return nil
}

// ReceiveEnd finishes a transfer. On success the chunks are written in
// index order to the download directory and checked against the announced
// hash; the returned path is the final file. An unsuccessful end naming an
// outgoing transfer means the receiver gave up, and Send stops streaming.
func (e *Engine) ReceiveEnd(end protocol.FileTransferEnd) (string, error) {
	e.mu.Lock()
	t, ok := e.transfers[end.TransferID]
	if ok && t.Direction == DirectionSend && !end.Success {
		name := t.FileName
		e.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrRemote, end.Error)
		e.finish(end.TransferID, StatusFailed, "", err)
		return "", &TransferError{ID: end.TransferID, FileName: name, Err: err}
	}
	if !ok || t.Direction != DirectionReceive {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownTransfer, end.TransferID)
	}
	if t.Status != StatusTransferring {
		status, terr, final := t.Status, t.err, t.Path
		e.mu.Unlock()
		if status == StatusCompleted {
			return final, nil
		}
		if status == StatusCancelled {
			return "", &TransferError{ID: end.TransferID, FileName: t.FileName, Err: ErrCancelled}
		}
		return "", &TransferError{ID: end.TransferID, FileName: t.FileName, Err: terr}
	}
	chunks := t.chunks
	name, size, hash := t.FileName, t.FileSize, t.FileHash
	e.mu.Unlock()

	if !end.Success {
		err := fmt.Errorf("%w: %s", ErrRemote, end.Error)
		e.finish(end.TransferID, StatusFailed, "", err)
		return "", &TransferError{ID: end.TransferID, FileName: name, Err: err}
	}

	final, err := e.assemble(chunks, name, size, hash)
	if err != nil {
		e.finish(end.TransferID, StatusFailed, "", err)
		return "", &TransferError{ID: end.TransferID, FileName: name, Err: err}
	}

	// Cancelled while assembling.
	if !e.finish(end.TransferID, StatusCompleted, final, nil) {
		os.Remove(final)
		return "", &TransferError{ID: end.TransferID, FileName: name, Err: ErrCancelled}
	}
	return final, nil
}

func (e *Engine) assemble(chunks map[int][]byte, name string, size int64, hash string) (string, error) {
	indexes := make([]int, 0, len(chunks))
	for i := range chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for want, got := range indexes {
		if want != got {
			return "", fmt.Errorf("%w: missing chunk %d", ErrIntegrity, want)
		}
	}

	if err := os.MkdirAll(e.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(e.cfg.DownloadDir, ".inputleap-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	h := sha256.New()
	w := io.MultiWriter(tmp, h)
	var written int64
	for _, i := range indexes {
		n, err := w.Write(chunks[i])
		written += int64(n)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return "", fmt.Errorf("write %s: %w", tmpName, err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close %s: %w", tmpName, err)
	}

	if written != size {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: size %d, announced %d", ErrIntegrity, written, size)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: sha256 %s, announced %s", ErrIntegrity, got, hash)
	}

	final, err := reserve(e.cfg.DownloadDir, name)
	if err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		os.Remove(final)
		return "", fmt.Errorf("rename to %s: %w", final, err)
	}
	return final, nil
}

// reserve creates an empty file at the first free name in dir, suffixing
// name_1.ext, name_2.ext, ... on collision.
func reserve(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 10000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		p := filepath.Join(dir, candidate)
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return p, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("reserve %s: %w", p, err)
		}
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, dir)
}

// SanitizeName reduces a peer-supplied file name to a single safe path element.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return "file"
	}
	return name
}

// Cancel marks a transfer cancelled and drops its buffered chunks. It is a
// no-op for unknown or already finished transfers and reports whether the
// transfer is cancelled afterwards. Cancelling an incoming transfer tells
// the sender to stop; an outgoing one notifies the receiver from Send.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	if t.Status == StatusCancelled {
		e.mu.Unlock()
		return true
	}
	peer, dir := t.Peer, t.Direction
	e.mu.Unlock()

	if e.finish(id, StatusCancelled, "", ErrCancelled) {
		if dir == DirectionReceive {
			e.notifyEnd(peer, id, ErrCancelled)
		}
		return true
	}

	info, _ := e.Status(id)
	return info.Status == StatusCancelled
}

// CancelAll cancels every transfer that has not finished.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	var ids []string
	for id, t := range e.transfers {
		if !t.Status.terminal() {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Cancel(id)
	}
}

// Status returns a view of one transfer.
func (e *Engine) Status(id string) (Info, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok {
		return Info{}, false
	}
	return t.Info, true
}

// List returns every known transfer, oldest first.
func (e *Engine) List() []Info {
	e.mu.Lock()
	out := make([]Info, 0, len(e.transfers))
	for _, t := range e.transfers {
		out = append(out, t.Info)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (e *Engine) progress(id string, transferred int64) {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if t.Direction == DirectionSend {
		t.Transferred = transferred
	}
	p := Progress{ID: id, FileName: t.FileName, Direction: t.Direction, Transferred: transferred, Total: t.FileSize}
	fn := e.onProgress
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "progress",
		"transfer_id": id,
		"transferred": transferred,
		"total":       p.Total,
	}).Trace("Transfer progress")
	if fn != nil {
		fn(p)
	}
}

// finish moves a transfer to a terminal status once. It reports whether
// this call made the change.
func (e *Engine) finish(id string, status Status, finalPath string, err error) bool {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok || t.Status.terminal() {
		e.mu.Unlock()
		return false
	}
	t.Status = status
	t.Path = finalPath
	t.err = err
	if err != nil {
		t.Error = err.Error()
	}
	t.chunks = nil
	t.FinishedAt = e.clock.Now()
	e.finished = append(e.finished, id)
	e.pruneLocked()

	res := Result{ID: id, FileName: t.FileName, Direction: t.Direction, Status: status, Path: finalPath, Err: err}
	fn := e.onComplete
	e.mu.Unlock()

	fields := logrus.Fields{
		"function":    "finish",
		"transfer_id": id,
		"file_name":   res.FileName,
		"direction":   res.Direction,
		"status":      status,
	}
	switch status {
	case StatusCompleted:
		e.scope.Counter(metrics.TransfersCompleted).Inc(1)
		fields["path"] = finalPath
		logrus.WithFields(fields).Info("Transfer completed")
	case StatusCancelled:
		e.scope.Counter(metrics.TransfersCancelled).Inc(1)
		logrus.WithFields(fields).Info("Transfer cancelled")
	case StatusFailed:
		e.scope.Counter(metrics.TransfersFailed).Inc(1)
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Transfer failed")
	}

	if fn != nil {
		fn(res)
	}
	return true
}

func (e *Engine) pruneLocked() {
	for len(e.finished) > e.cfg.History {
		delete(e.transfers, e.finished[0])
		e.finished = e.finished[1:]
	}
}
