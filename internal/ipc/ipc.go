// Package ipc implements the frame protocol spoken between the pool
// controller and spawned worker processes over the worker's stdin/stdout
// pipes. Frames are newline-delimited JSON; the pipes are inherited at
// spawn, need no broker or port, and close with the child, which the
// controller's liveness detection relies on.
package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/wehubfusion/Talos/pkg/line"
)

// Version guards against a parent and child built from different trees.
const Version = 1

// FrameType discriminates the payload carried by a Frame.
type FrameType string

const (
	// FrameConfig is the first frame on a worker's stdin: the worker
	// configuration snapshot.
	FrameConfig FrameType = "config"

	// FrameReady is the first frame on a worker's stdout, acknowledging the
	// configuration.
	FrameReady FrameType = "ready"

	// FrameTask carries one task to execute.
	FrameTask FrameType = "task"

	// FrameResult carries one line result back.
	FrameResult FrameType = "result"

	// FrameHeartbeat tells the controller the worker is alive between
	// results, so slow lines are not mistaken for hung workers.
	FrameHeartbeat FrameType = "heartbeat"

	// FrameStop asks the worker to finish its current line and exit.
	FrameStop FrameType = "stop"

	// FrameFatal reports a system-classified failure; the worker exits
	// right after sending it.
	FrameFatal FrameType = "fatal"
)

// WorkerConfig is the configuration snapshot shipped to a spawned worker.
type WorkerConfig struct {
	Version        int             `json:"version"`
	WorkerID       int             `json:"worker_id"`
	RunID          string          `json:"run_id"`
	VariantID      string          `json:"variant_id,omitempty"`
	ValidateInputs bool            `json:"validate_inputs"`
	LineTimeout    time.Duration   `json:"line_timeout_ns"`
	ExecutorName   string          `json:"executor_name"`
	ExecutorConfig json.RawMessage `json:"executor_config,omitempty"`
}

// Frame is one protocol message. Exactly one payload field is set,
// matching Type.
type Frame struct {
	Type   FrameType       `json:"type"`
	Config *WorkerConfig   `json:"config,omitempty"`
	Task   *line.Task      `json:"task,omitempty"`
	Result *line.Result    `json:"result,omitempty"`
	Fatal  *line.ErrorInfo `json:"fatal,omitempty"`
}

// Encoder writes frames to a stream. It serializes concurrent writers: the
// worker's heartbeat ticker and its result pushes share one stdout.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one frame.
func (e *Encoder) Encode(frame Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(frame); err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frame.Type, err)
	}
	return nil
}

// Decoder reads frames from a stream.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode reads the next frame. It returns io.EOF once the peer closes its
// end of the pipe.
func (d *Decoder) Decode() (Frame, error) {
	var frame Frame
	if err := d.dec.Decode(&frame); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return frame, nil
}
