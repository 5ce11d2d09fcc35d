// Package notify abstracts the outbound notification providers the safety
// engine dispatches through: SMS, push, support ticketing, and the
// law-enforcement data desk. Real carrier/ticketing integration lives behind
// HTTP gateways; the engine only knows recipient + content + channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Channel names. These match the NotificationRecord channel values persisted
// by the safety store.
const (
	ChannelSMS                = "sms"
	ChannelPush               = "push"
	ChannelSupportTicket      = "support_ticket"
	ChannelLawEnforcementPrep = "law_enforcement_prep"
)

// Message is one outbound notification.
type Message struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	// Priority mirrors the escalation level for support tickets so downstream
	// triage does not have to re-derive severity.
	Priority string `json:"priority,omitempty"`
}

// Provider delivers a single message. Implementations must be safe for
// concurrent use; the dispatcher fans out many sends at once.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// Router selects a Provider per channel, with a fallback for channels that
// have no dedicated provider configured.
type Router struct {
	mu       sync.RWMutex
	byChan   map[string]Provider
	fallback Provider
}

// NewRouter creates a router that sends unrouted channels to fallback.
func NewRouter(fallback Provider) *Router {
	return &Router{
		byChan:   make(map[string]Provider),
		fallback: fallback,
	}
}

// Route assigns a provider to a channel.
func (r *Router) Route(channel string, p Provider) {
	r.mu.Lock()
	r.byChan[channel] = p
	r.mu.Unlock()
}

// Send implements Provider.
func (r *Router) Send(ctx context.Context, msg Message) error {
	r.mu.RLock()
	p, ok := r.byChan[msg.Channel]
	r.mu.RUnlock()
	if !ok {
		p = r.fallback
	}
	if p == nil {
		return fmt.Errorf("no provider for channel %q", msg.Channel)
	}
	return p.Send(ctx, msg)
}

// LogProvider logs messages instead of delivering them. Used in development
// and as the fallback when no gateway URL is configured for a channel.
type LogProvider struct {
	Logger *slog.Logger
}

// Send implements Provider.
func (p *LogProvider) Send(ctx context.Context, msg Message) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification (log-only provider)",
		"channel", msg.Channel,
		"recipient", msg.Recipient,
		"priority", msg.Priority,
	)
	return nil
}
