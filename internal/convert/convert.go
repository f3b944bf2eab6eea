// Package convert turns raw connector messages into queue payloads.
//
// Converters are looked up by name from a Registry built at startup, so each
// ingest adapter resolves its converter once from configuration.
package convert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"gateway/internal/domain"
)

var (
	ErrUnknownConverter = errors.New("unknown converter")
	ErrInvalidPayload   = errors.New("invalid payload")
)

type Converter interface {
	Convert(msg domain.Message) (string, error)
}

// Func adapts a plain function to Converter.
type Func func(msg domain.Message) (string, error)

func (f Func) Convert(msg domain.Message) (string, error) { return f(msg) }

type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

// NewRegistry returns a registry holding the built-in raw, json and envelope converters.
func NewRegistry() *Registry {
	r := &Registry{converters: make(map[string]Converter)}
	_ = r.Register("raw", Func(Raw))
	_ = r.Register("json", Func(JSON))
	_ = r.Register("envelope", Func(Envelope))
	return r
}

func (r *Registry) Register(name string, c Converter) error {
	if name == "" || c == nil {
		return fmt.Errorf("converter name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.converters[name]; ok {
		return fmt.Errorf("converter %q already registered", name)
	}
	r.converters[name] = c
	return nil
}

func (r *Registry) Lookup(name string) (Converter, error) {
	if name == "" {
		name = "raw"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConverter, name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.converters))
	for name := range r.converters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Raw stores the body as is. It must be valid UTF-8 because payloads are TEXT.
func Raw(msg domain.Message) (string, error) {
	if !utf8.Valid(msg.Body) {
		return "", fmt.Errorf("%w: body is not utf-8", ErrInvalidPayload)
	}
	return string(msg.Body), nil
}

// JSON validates and compacts a JSON body.
func JSON(msg domain.Message) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg.Body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return buf.String(), nil
}

type envelope struct {
	Device     string            `json:"device,omitempty"`
	Source     string            `json:"source,omitempty"`
	Topic      string            `json:"topic,omitempty"`
	ReceivedAt int64             `json:"received_at_ms"`
	Headers    map[string]string `json:"headers,omitempty"`
	Data       json.RawMessage   `json:"data"`
}

// Envelope wraps the body with its origin. JSON bodies are embedded, anything else
// is carried as a JSON string.
func Envelope(msg domain.Message) (string, error) {
	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	env := envelope{
		Device:     msg.DeviceKey,
		Source:     msg.Source,
		Topic:      msg.Topic,
		ReceivedAt: received.UnixMilli(),
		Headers:    msg.Headers,
	}
	if json.Valid(msg.Body) {
		env.Data = json.RawMessage(msg.Body)
	} else {
		if !utf8.Valid(msg.Body) {
			return "", fmt.Errorf("%w: body is neither json nor utf-8", ErrInvalidPayload)
		}
		quoted, err := json.Marshal(string(msg.Body))
		if err != nil {
			return "", err
		}
		env.Data = quoted
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
