package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/d60-Lab/catalog-outbox/internal/model"
)

// EventCodec 某一事件类型的序列化/反序列化
type EventCodec interface {
	Encode(v any) ([]byte, error)
	Decode(payload []byte) (any, error)
}

// EventRegistry 事件类型 -> codec。新增事件类型只需注册。
type EventRegistry struct {
	mu     sync.RWMutex
	codecs map[string]EventCodec
}

func NewEventRegistry() *EventRegistry {
	return &EventRegistry{codecs: make(map[string]EventCodec)}
}

func (r *EventRegistry) Register(eventType string, codec EventCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.codecs[eventType]; dup {
		panic(fmt.Sprintf("event type %q registered twice", eventType))
	}
	r.codecs[eventType] = codec
}

func (r *EventRegistry) codec(eventType string) (EventCodec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	return c, nil
}

// Types 已注册的事件类型（排序）
func (r *EventRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.codecs))
	for t := range r.codecs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// NewEvent 编码 payload 并构造一条 pending 状态的 outbox 事件
func (r *EventRegistry) NewEvent(eventType, aggregateID string, v any) (*model.OutboxEvent, error) {
	c, err := r.codec(eventType)
	if err != nil {
		return nil, err
	}
	payload, err := c.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return &model.OutboxEvent{
		AggregateID: aggregateID,
		Type:        eventType,
		Payload:     payload,
		Status:      model.OutboxPending,
	}, nil
}

// Decode 返回事件的类型化 payload
func (r *EventRegistry) Decode(ev *model.OutboxEvent) (any, error) {
	c, err := r.codec(ev.Type)
	if err != nil {
		return nil, err
	}
	return c.Decode(ev.Payload)
}

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case T:
		return json.Marshal(t)
	case *T:
		return json.Marshal(t)
	default:
		var zero T
		return nil, fmt.Errorf("payload is %T, want %T", v, zero)
	}
}

func (jsonCodec[T]) Decode(payload []byte) (any, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// RegisterJSON 以 JSON 编码注册类型 T
func RegisterJSON[T any](r *EventRegistry, eventType string) {
	r.Register(eventType, jsonCodec[T]{})
}
