package detection

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// maxWorkerMessage bounds a single framed message
const maxWorkerMessage = 64 << 20

// ErrWorkerExited is returned for calls pending when the worker process ends
var ErrWorkerExited = errors.New("model worker exited")

// WorkerConfig describes a model worker subprocess
type WorkerConfig struct {
	Command string
	Args    []string
}

// workerRequest is written to the worker's stdin
type workerRequest struct {
	ID     string                 `msgpack:"id"`
	Op     string                 `msgpack:"op"`
	Image  []byte                 `msgpack:"image,omitempty"`
	Params map[string]interface{} `msgpack:"params,omitempty"`
}

// workerResponse is read from the worker's stdout
type workerResponse struct {
	ID              string           `msgpack:"id"`
	Code            int              `msgpack:"code,omitempty"`
	Error           string           `msgpack:"error,omitempty"`
	Detections      []Detection      `msgpack:"detections,omitempty"`
	Classifications []Classification `msgpack:"classifications,omitempty"`
	Text            string           `msgpack:"text,omitempty"`
	InferenceTimeMs float64          `msgpack:"inference_time_ms,omitempty"`
	Device          string           `msgpack:"device,omitempty"`
}

// WorkerClient runs inference in a subprocess speaking length-prefixed
// MsgPack over stdin/stdout. Requests are correlated by id, so several
// calls may be in flight at once.
type WorkerClient struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	writeMu   sync.Mutex
	pending   map[string]chan *workerResponse
	pendingMu sync.Mutex

	alive atomic.Bool
	done  chan struct{}
	wg    sync.WaitGroup
}

// StartWorker spawns the worker process
func StartWorker(cfg WorkerConfig) (*WorkerClient, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker model client requires a command")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	w := newWorkerClient(cfg.Command, stdin, stdout)
	w.cmd = cmd

	w.wg.Add(2)
	go w.logStderr(stderr)
	go w.waitProcess()

	log.Printf("[Worker] Spawned %s (pid %d)", cfg.Command, cmd.Process.Pid)
	return w, nil
}

func newWorkerClient(name string, stdin io.WriteCloser, stdout io.Reader) *WorkerClient {
	w := &WorkerClient{
		name:    name,
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[string]chan *workerResponse),
		done:    make(chan struct{}),
	}
	w.alive.Store(true)

	w.wg.Add(1)
	go w.readResults()
	return w
}

// Endpoint returns the worker command
func (w *WorkerClient) Endpoint() string {
	return w.name
}

// IsHealthy returns true while the worker process is running
func (w *WorkerClient) IsHealthy() bool {
	return w.alive.Load()
}

// Detect performs object detection
func (w *WorkerClient) Detect(ctx context.Context, imageData []byte, confThreshold float64) (*DetectResult, error) {
	resp, err := w.call(ctx, OpDetect, imageData, map[string]interface{}{"conf_threshold": confThreshold})
	if err != nil {
		return nil, err
	}
	return &DetectResult{Detections: resp.Detections, InferenceTimeMs: resp.InferenceTimeMs, Device: resp.Device}, nil
}

// Classify performs whole-image classification
func (w *WorkerClient) Classify(ctx context.Context, imageData []byte, topK int) (*ClassifyResult, error) {
	resp, err := w.call(ctx, OpClassify, imageData, map[string]interface{}{"top_k": topK})
	if err != nil {
		return nil, err
	}
	return &ClassifyResult{Classifications: resp.Classifications, InferenceTimeMs: resp.InferenceTimeMs, Device: resp.Device}, nil
}

// Recognize extracts text from the image
func (w *WorkerClient) Recognize(ctx context.Context, imageData []byte, language string) (*RecognizeResult, error) {
	resp, err := w.call(ctx, OpRecognize, imageData, map[string]interface{}{"lang": language})
	if err != nil {
		return nil, err
	}
	return &RecognizeResult{Text: resp.Text, InferenceTimeMs: resp.InferenceTimeMs}, nil
}

func (w *WorkerClient) call(ctx context.Context, op string, imageData []byte, params map[string]interface{}) (*workerResponse, error) {
	if !w.alive.Load() {
		return nil, ErrWorkerExited
	}

	req := workerRequest{
		ID:     uuid.NewString(),
		Op:     op,
		Image:  imageData,
		Params: params,
	}

	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	ch := make(chan *workerResponse, 1)
	w.pendingMu.Lock()
	w.pending[req.ID] = ch
	w.pendingMu.Unlock()

	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, req.ID)
		w.pendingMu.Unlock()
	}()

	w.writeMu.Lock()
	err = writeFrame(w.stdin, payload)
	w.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write to worker stdin: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Code != 0 {
			return nil, &StatusError{Op: op, StatusCode: resp.Code, Body: resp.Error}
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("worker %s failed: %s", op, resp.Error)
		}
		return resp, nil
	case <-w.done:
		return nil, ErrWorkerExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readResults dispatches framed replies to their pending callers
func (w *WorkerClient) readResults() {
	defer w.wg.Done()
	defer func() {
		w.alive.Store(false)
		close(w.done)
	}()

	for {
		data, err := readFrame(w.stdout)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[Worker] %s: failed to read reply: %v", w.name, err)
			}
			return
		}

		var resp workerResponse
		if err := msgpack.Unmarshal(data, &resp); err != nil {
			log.Printf("[Worker] %s: failed to unmarshal reply (%d bytes): %v", w.name, len(data), err)
			continue
		}

		w.pendingMu.Lock()
		ch, ok := w.pending[resp.ID]
		w.pendingMu.Unlock()

		if !ok {
			log.Printf("[Worker] %s: reply for unknown request %s", w.name, resp.ID)
			continue
		}
		ch <- &resp
	}
}

func (w *WorkerClient) logStderr(stderr io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Printf("[Worker] %s: %s", w.name, scanner.Text())
	}
}

// waitProcess reaps the worker process
func (w *WorkerClient) waitProcess() {
	defer w.wg.Done()

	if err := w.cmd.Wait(); err != nil && w.alive.Load() {
		log.Printf("[Worker] %s exited unexpectedly: %v", w.name, err)
	}
	w.alive.Store(false)
}

// Close closes stdin and kills the process if it does not exit in time
func (w *WorkerClient) Close() error {
	w.alive.Store(false)
	if w.stdin != nil {
		w.stdin.Close()
	}

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		log.Printf("[Worker] %s: stop timeout, killing process", w.name)
		if w.cmd != nil && w.cmd.Process != nil {
			return w.cmd.Process.Kill()
		}
	}
	return nil
}

// writeFrame writes a 4-byte big-endian length prefix followed by payload
func writeFrame(wr io.Writer, payload []byte) error {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))

	if _, err := wr.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := wr.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed message
func readFrame(r io.Reader) ([]byte, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix)
	if n > maxWorkerMessage {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read msgpack data: %w", err)
	}
	return data, nil
}

var _ Client = (*WorkerClient)(nil)
