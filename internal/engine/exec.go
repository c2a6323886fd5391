package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Exec drives an external program, started once per operation. The program
// reads one JSON request on stdin and answers with JSON lines on stdout.
type Exec struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execModel struct {
	id ModelID
}

func (m execModel) ID() ModelID { return m.id }

type execRequest struct {
	Op         string  `json:"op"`
	Model      uint32  `json:"model"`
	Style      uint32  `json:"style,omitempty"`
	Text       string  `json:"text,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error"`
}

func NewExec(command string, sampleRate, channels int) (*Exec, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command empty")
	}
	return &Exec{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *Exec) LoadModel(ctx context.Context, id ModelID) (Model, error) {
	if _, err := e.run(ctx, execRequest{Op: "load", Model: uint32(id)}); err != nil {
		return nil, err
	}
	return execModel{id: id}, nil
}

func (e *Exec) UnloadModel(ctx context.Context, m Model) error {
	_, err := e.run(ctx, execRequest{Op: "unload", Model: uint32(m.ID())})
	return err
}

func (e *Exec) Synthesize(ctx context.Context, m Model, style StyleID, text string, rate float64) (PCM, error) {
	data, err := e.run(ctx, execRequest{
		Op:    "synthesize",
		Model: uint32(m.ID()),
		Style: uint32(style),
		Text:  text,
		Rate:  rate,
	})
	if err != nil {
		return PCM{}, err
	}
	return PCM{SampleRate: e.sampleRate, Channels: e.channels, Data: data}, nil
}

// run executes one operation and concatenates the PCM of every line up to
// the one marked final.
func (e *Exec) run(ctx context.Context, req execRequest) ([]byte, error) {
	req.SampleRate = e.sampleRate
	req.Channels = e.channels
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine command: %w", err)
	}

	pcm, lineErr := decodeOutput(stdout)
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("engine %s: %w: %s", req.Op, err, msg)
		}
		return nil, fmt.Errorf("engine %s: %w", req.Op, err)
	}
	if lineErr != nil {
		return nil, fmt.Errorf("engine %s: %w", req.Op, lineErr)
	}
	return pcm, nil
}

// decodeOutput concatenates the PCM of every JSON line in r. The first
// error line or malformed line wins; the rest of r is still drained.
func decodeOutput(r io.Reader) ([]byte, error) {
	var pcm []byte
	var lineErr error
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 64<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || lineErr != nil {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			lineErr = fmt.Errorf("decode engine output: %w", err)
			continue
		}
		if resp.Error != "" {
			lineErr = errors.New(resp.Error)
			continue
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			lineErr = fmt.Errorf("decode engine pcm: %w", err)
			continue
		}
		pcm = append(pcm, chunk...)
	}
	if lineErr != nil {
		return nil, lineErr
	}
	return pcm, scanner.Err()
}
