// Package messaging routes typed JSON messages between content scripts and
// background measurement logic.
//
// Inbound messages carry a "type" field. Dispatch hands a message to every
// listener registered for its type whose schema it satisfies; messages that
// violate a listener's schema are dropped for that listener with a debug log.
// Outbound messages reach content scripts through a host Transport.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/logging"
	"github.com/entrhq/webscience/pkg/types"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrInvalidMessage is returned for input that is not a JSON object with a string "type".
	ErrInvalidMessage = errors.New("invalid message")

	// ErrNoTransport is returned by outbound sends when the router has no transport.
	ErrNoTransport = errors.New("no message transport configured")
)

// Handler processes one message. A non-nil reply is returned to the sender.
type Handler func(ctx context.Context, msg *types.Message, sender types.MessageSender) (interface{}, error)

// Transport delivers encoded messages to the content scripts of a tab.
type Transport interface {
	SendToTab(ctx context.Context, tabID types.TabID, raw []byte) error
	Tabs(ctx context.Context) ([]types.TabID, error)
}

type registration struct {
	id      uint64
	handler Handler
	schema  Schema
}

// Router dispatches inbound messages by type and sends outbound messages.
type Router struct {
	logger    *logging.Logger
	transport Transport

	mu        sync.RWMutex
	nextID    uint64
	listeners map[string][]registration
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithTransport sets the outbound transport.
func WithTransport(t Transport) Option {
	return func(r *Router) { r.transport = t }
}

// NewRouter creates a router with no listeners.
func NewRouter(opts ...Option) *Router {
	r := &Router{listeners: make(map[string][]registration)}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	return r
}

// RegisterListener adds handler for msgType. A nil schema accepts every message.
func (r *Router) RegisterListener(msgType string, handler Handler, schema Schema) events.Unsubscribe {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[msgType] = append(r.listeners[msgType], registration{id: id, handler: handler, schema: schema})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(msgType, id) })
	}
}

func (r *Router) remove(msgType string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.listeners[msgType]
	for i, reg := range regs {
		if reg.id == id {
			regs = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(r.listeners, msgType)
		return
	}
	r.listeners[msgType] = regs
}

// Listeners returns the number of listeners registered for msgType.
func (r *Router) Listeners(msgType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[msgType])
}

// Register adds a listener that receives the message decoded into T.
func Register[T any](r *Router, msgType string, schema Schema, fn func(ctx context.Context, payload T, sender types.MessageSender) (interface{}, error)) events.Unsubscribe {
	return r.RegisterListener(msgType, func(ctx context.Context, msg *types.Message, sender types.MessageSender) (interface{}, error) {
		var payload T
		if err := msg.Decode(&payload); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", msgType, err)
		}
		return fn(ctx, payload, sender)
	}, schema)
}

// Dispatch delivers raw to the listeners of its type and returns the reply.
// When several listeners reply, the last reply wins.
func (r *Router) Dispatch(ctx context.Context, sender types.MessageSender, raw []byte) (interface{}, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidMessage)
	}
	typ := gjson.GetBytes(raw, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, fmt.Errorf("%w: missing string type field", ErrInvalidMessage)
	}
	msg := &types.Message{Type: typ.Str, Raw: json.RawMessage(raw)}

	r.mu.RLock()
	regs := append([]registration(nil), r.listeners[msg.Type]...)
	r.mu.RUnlock()

	if len(regs) == 0 {
		r.logger.Debugf("no listener for message type %s", msg.Type)
		return nil, nil
	}

	var reply interface{}
	replies := 0
	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if reg.schema != nil {
			if err := reg.schema.Validate(msg.Type, raw); err != nil {
				r.logger.Debugf("dropping message from tab %d: %v", sender.TabID, err)
				continue
			}
		}
		out, err := reg.handler(ctx, msg, sender)
		if err != nil {
			r.logger.Warnf("listener for %s failed: %v", msg.Type, err)
			continue
		}
		if out == nil {
			continue
		}
		reply = out
		replies++
	}
	if replies > 1 {
		r.logger.Warnf("%d listeners replied to %s; using the last reply", replies, msg.Type)
	}
	return reply, nil
}

// SendToTab sends msg to the content scripts of tabID. The message type is
// written into the payload's "type" field.
func (r *Router) SendToTab(ctx context.Context, tabID types.TabID, msg *types.Message) error {
	if r.transport == nil {
		return ErrNoTransport
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := r.transport.SendToTab(ctx, tabID, raw); err != nil {
		return fmt.Errorf("failed to send %s to tab %d: %w", msg.Type, tabID, err)
	}
	return nil
}

// Broadcast sends msg to every tab the transport knows about. It attempts all
// tabs and returns the joined errors.
func (r *Router) Broadcast(ctx context.Context, msg *types.Message) error {
	if r.transport == nil {
		return ErrNoTransport
	}
	tabs, err := r.transport.Tabs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tabs: %w", err)
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}

	var errs []error
	for _, tab := range tabs {
		if err := r.transport.SendToTab(ctx, tab, raw); err != nil {
			errs = append(errs, fmt.Errorf("tab %d: %w", tab, err))
		}
	}
	return errors.Join(errs...)
}

// Encode returns the wire form of msg: its JSON object with "type" set.
func Encode(msg *types.Message) ([]byte, error) {
	raw := []byte(msg.Raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("%w: %s payload is not a JSON object", ErrInvalidMessage, msg.Type)
	}
	out, err := sjson.SetBytes(append([]byte(nil), raw...), "type", msg.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to set message type: %w", err)
	}
	return out, nil
}
