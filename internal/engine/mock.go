package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unicode/utf8"
)

var ErrModelUnloaded = errors.New("model handle used after unload")

// Mock renders a short tone per rune and records every load and unload. It
// backs engine.mode=mock and the tests of everything built on Engine.
type Mock struct {
	sampleRate int
	channels   int

	mu         sync.Mutex
	loadDelay  time.Duration
	synthDelay time.Duration
	loads      map[ModelID]int
	unloads    map[ModelID]int
	resident   map[ModelID]int
	loadErr    map[ModelID]error
	unloadErr  map[ModelID]error
	synthErr   func(text string) error
	serial     int
}

type mockModel struct {
	id     ModelID
	serial int

	mu       sync.Mutex
	unloaded bool
}

func (m *mockModel) ID() ModelID { return m.id }

func NewMock(sampleRate, channels int) *Mock {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &Mock{
		sampleRate: sampleRate,
		channels:   channels,
		loads:      make(map[ModelID]int),
		unloads:    make(map[ModelID]int),
		resident:   make(map[ModelID]int),
		loadErr:    make(map[ModelID]error),
		unloadErr:  make(map[ModelID]error),
	}
}

// SetDelays makes LoadModel and Synthesize block for the given durations.
func (m *Mock) SetDelays(load, synth time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadDelay = load
	m.synthDelay = synth
}

// FailLoad makes loads of id fail with err until called again with nil.
func (m *Mock) FailLoad(id ModelID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr[id] = err
}

func (m *Mock) FailUnload(id ModelID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloadErr[id] = err
}

// FailSynthesis installs a hook deciding per text whether synthesis fails.
func (m *Mock) FailSynthesis(fn func(text string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synthErr = fn
}

func (m *Mock) Loads(id ModelID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[id]
}

func (m *Mock) Unloads(id ModelID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloads[id]
}

func (m *Mock) TotalLoads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.loads {
		total += n
	}
	return total
}

// Resident reports how many live handles exist for id.
func (m *Mock) Resident(id ModelID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resident[id]
}

func (m *Mock) LoadModel(ctx context.Context, id ModelID) (Model, error) {
	m.mu.Lock()
	m.loads[id]++
	delay, err := m.loadDelay, m.loadErr[id]
	m.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.serial++
	m.resident[id]++
	return &mockModel{id: id, serial: m.serial}, nil
}

func (m *Mock) UnloadModel(_ context.Context, model Model) error {
	mm, ok := model.(*mockModel)
	if !ok {
		return fmt.Errorf("foreign model handle %T", model)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloads[mm.id]++
	if err := m.unloadErr[mm.id]; err != nil {
		return err
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.unloaded {
		return ErrModelUnloaded
	}
	mm.unloaded = true
	m.resident[mm.id]--
	return nil
}

func (m *Mock) Synthesize(ctx context.Context, model Model, style StyleID, text string, rate float64) (PCM, error) {
	mm, ok := model.(*mockModel)
	if !ok {
		return PCM{}, fmt.Errorf("foreign model handle %T", model)
	}
	m.mu.Lock()
	delay, hook := m.synthDelay, m.synthErr
	m.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return PCM{}, err
	}
	mm.mu.Lock()
	unloaded := mm.unloaded
	mm.mu.Unlock()
	if unloaded {
		return PCM{}, ErrModelUnloaded
	}
	if hook != nil {
		if err := hook(text); err != nil {
			return PCM{}, err
		}
	}
	return m.tone(style, text, rate), nil
}

// tone renders 20ms per rune at a pitch derived from the style.
func (m *Mock) tone(style StyleID, text string, rate float64) PCM {
	if rate <= 0 {
		rate = 1
	}
	runes := utf8.RuneCountInString(text)
	frames := int(float64(runes*m.sampleRate/50) / rate)
	freq := 220.0 + 20.0*float64(style%24)
	data := make([]byte, 0, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			data = binary.LittleEndian.AppendUint16(data, uint16(v))
		}
	}
	return PCM{SampleRate: m.sampleRate, Channels: m.channels, Data: data}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
