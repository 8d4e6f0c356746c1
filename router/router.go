// Package router turns message intents into wire sends and wire receipts
// into application-visible message records. Delivery is at-most-once,
// best-effort; failed sends surface as events, never silent drops.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"ztalkd/bus"
	"ztalkd/registry"
	"ztalkd/transport"
)

const (
	// DefaultSeenCapacity bounds the inbound de-duplication set.
	DefaultSeenCapacity = 10000
)

var (
	// ErrUnknownGroup indicates a send to a group this peer has never seen.
	ErrUnknownGroup = errors.New("router: unknown group")
	// ErrNoRecipients indicates a group send with no reachable members.
	ErrNoRecipients = errors.New("router: no reachable recipients")
)

// Message is the application-visible record of one chat message.
type Message struct {
	ID          uuid.UUID
	Kind        transport.MessageKind
	SenderID    uuid.UUID
	RecipientID *uuid.UUID
	GroupID     *uuid.UUID
	Content     string
	// Timestamp is sender-local; it is not a total order across peers.
	Timestamp time.Time
	Delivered bool
}

// MessageReceived is published for each new (non-duplicate) inbound message.
type MessageReceived struct{ Message Message }

// MessageSendFailed is published when a send attempt fails. TargetID is the
// peer the attempt addressed, useful for group fan-out failures.
type MessageSendFailed struct {
	Message  Message
	TargetID uuid.UUID
	Reason   transport.ErrorKind
	Err      error
}

func (MessageReceived) EventKind() bus.Kind   { return bus.KindMessageReceived }
func (MessageSendFailed) EventKind() bus.Kind { return bus.KindMessageSendFailed }

// ReliableSender is the unicast slice of the transport layer.
type ReliableSender interface {
	SendReliable(ctx context.Context, addr string, m transport.Message) error
	Messages() <-chan transport.MessageEvent
}

// BroadcastSender is the multicast slice of the transport layer.
type BroadcastSender interface {
	SendBroadcast(m transport.Message) error
	Messages() <-chan transport.MessageEvent
}

// Store is the optional persistence hook for message history and groups.
type Store interface {
	SaveMessage(Message) error
	SaveGroup(Group) error
	LoadGroups() ([]Group, error)
}

// Options configures a Router.
type Options struct {
	SelfID uuid.UUID

	Registry  *registry.Registry
	Reliable  ReliableSender
	Broadcast BroadcastSender
	Bus       *bus.Bus

	// Store is optional; nil keeps everything in memory only.
	Store Store

	SeenCapacity int
}

func (o Options) validate() error {
	if o.SelfID == (uuid.UUID{}) {
		return errors.New("self peer ID is required")
	}
	if o.Registry == nil {
		return errors.New("registry is required")
	}
	if o.Reliable == nil {
		return errors.New("reliable transport is required")
	}
	if o.Broadcast == nil {
		return errors.New("broadcast transport is required")
	}
	if o.Bus == nil {
		return errors.New("event bus is required")
	}
	return nil
}

// Router resolves recipients, performs sends, and de-duplicates receipts.
type Router struct {
	opts   Options
	seen   *seenSet
	groups *groupTable
}

// New creates a router. Persisted groups seed the group table so
// membership survives a restart.
func New(options Options) (*Router, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	r := &Router{
		opts:   options,
		seen:   newSeenSet(options.SeenCapacity),
		groups: newGroupTable(),
	}
	if options.Store != nil {
		groups, err := options.Store.LoadGroups()
		if err != nil {
			log.Printf("router: load persisted groups: %v", err)
		}
		for _, group := range groups {
			r.groups.apply(group)
		}
	}
	return r, nil
}

// Run consumes inbound frames from both transports until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	reliable := r.opts.Reliable.Messages()
	broadcast := r.opts.Broadcast.Messages()

	for {
		select {
		case event, ok := <-reliable:
			if !ok {
				reliable = nil
				if broadcast == nil {
					return nil
				}
				continue
			}
			r.handleInbound(event)
		case event, ok := <-broadcast:
			if !ok {
				broadcast = nil
				if reliable == nil {
					return nil
				}
				continue
			}
			r.handleInbound(event)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendBroadcast sends to every peer over the multicast channel.
func (r *Router) SendBroadcast(ctx context.Context, content string) (Message, error) {
	return r.Send(ctx, transport.MessageBroadcast, content, nil, nil)
}

// SendPrivate sends to one peer at its best known address.
func (r *Router) SendPrivate(ctx context.Context, recipientID uuid.UUID, content string) (Message, error) {
	return r.Send(ctx, transport.MessagePrivate, content, &recipientID, nil)
}

// SendGroup fans a message out to every group member individually.
func (r *Router) SendGroup(ctx context.Context, groupID uuid.UUID, content string) (Message, error) {
	return r.Send(ctx, transport.MessageGroup, content, nil, &groupID)
}

// Send constructs a message with a fresh ID, resolves targets through the
// registry, and delivers via the transport layer. A failed private or group
// send is reported both as a MessageSendFailed event and a returned error;
// retry policy stays with the caller.
func (r *Router) Send(ctx context.Context, kind transport.MessageKind, content string, recipientID, groupID *uuid.UUID) (Message, error) {
	msg := Message{
		ID:          uuid.New(),
		Kind:        kind,
		SenderID:    r.opts.SelfID,
		RecipientID: recipientID,
		GroupID:     groupID,
		Content:     content,
		Timestamp:   time.Now(),
	}

	wire, err := r.toWire(msg)
	if err != nil {
		return Message{}, err
	}

	switch kind {
	case transport.MessageBroadcast:
		if err := r.opts.Broadcast.SendBroadcast(wire); err != nil {
			r.reportSendFailure(msg, uuid.UUID{}, err)
			return msg, err
		}
		msg.Delivered = true

	case transport.MessagePrivate:
		if err := r.sendToPeer(ctx, *recipientID, wire, msg); err != nil {
			return msg, err
		}
		msg.Delivered = true

	case transport.MessageGroup:
		delivered, err := r.fanOutToGroup(ctx, *groupID, wire, msg)
		if err != nil {
			return msg, err
		}
		msg.Delivered = delivered > 0

	default:
		return Message{}, transport.ErrInvalidMessageKind
	}

	r.persistMessage(msg)
	return msg, nil
}

// CreateGroup registers a new group containing the local peer plus the
// given members and propagates it to every remote member.
func (r *Router) CreateGroup(ctx context.Context, name string, memberIDs []uuid.UUID) (Group, error) {
	if name == "" {
		return Group{}, errors.New("router: group name is required")
	}

	members := []uuid.UUID{r.opts.SelfID}
	for _, id := range memberIDs {
		if id != r.opts.SelfID {
			members = append(members, id)
		}
	}

	group := Group{
		ID:        uuid.New(),
		Name:      name,
		MemberIDs: members,
		CreatedAt: time.Now(),
	}

	stored, _ := r.groups.apply(group)
	r.opts.Bus.Publish(GroupUpdated{Group: stored})
	r.persistGroup(stored)

	if err := r.propagateGroup(ctx, stored); err != nil {
		return stored, err
	}
	return stored, nil
}

// AddGroupMembers appends members to a group and propagates the update.
// Membership is append-only; there is no removal operation.
func (r *Router) AddGroupMembers(ctx context.Context, groupID uuid.UUID, memberIDs []uuid.UUID) (Group, error) {
	existing, ok := r.groups.get(groupID)
	if !ok {
		return Group{}, ErrUnknownGroup
	}

	update := existing
	update.MemberIDs = append(append([]uuid.UUID(nil), existing.MemberIDs...), memberIDs...)

	stored, changed := r.groups.apply(update)
	if changed {
		r.opts.Bus.Publish(GroupUpdated{Group: stored})
		r.persistGroup(stored)
	}

	if err := r.propagateGroup(ctx, stored); err != nil {
		return stored, err
	}
	return stored, nil
}

// Group returns a copy of one known group.
func (r *Router) Group(id uuid.UUID) (Group, bool) {
	return r.groups.get(id)
}

// Groups returns a copy of all known groups.
func (r *Router) Groups() []Group {
	return r.groups.snapshot()
}

func (r *Router) sendToPeer(ctx context.Context, peerID uuid.UUID, wire transport.Message, msg Message) error {
	addr, ok := r.opts.Registry.BestAddress(peerID)
	if !ok {
		err := &transport.Error{
			Kind: transport.KindUnreachable,
			Err:  fmt.Errorf("no known address for peer %s", peerID),
		}
		r.reportSendFailure(msg, peerID, err)
		return err
	}

	if err := r.opts.Reliable.SendReliable(ctx, addr.String(), wire); err != nil {
		r.reportSendFailure(msg, peerID, err)
		return err
	}
	return nil
}

// fanOutToGroup sends the frame to each member individually; multicast
// membership is not trusted for group delivery. Returns the delivered count.
func (r *Router) fanOutToGroup(ctx context.Context, groupID uuid.UUID, wire transport.Message, msg Message) (int, error) {
	group, ok := r.groups.get(groupID)
	if !ok {
		return 0, ErrUnknownGroup
	}

	delivered := 0
	attempted := 0
	var lastErr error
	for _, memberID := range group.MemberIDs {
		if memberID == r.opts.SelfID {
			continue
		}
		attempted++
		if err := r.sendToPeer(ctx, memberID, wire, msg); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}

	if attempted > 0 && delivered == 0 {
		return 0, fmt.Errorf("%w: %v", ErrNoRecipients, lastErr)
	}
	return delivered, nil
}

func (r *Router) propagateGroup(ctx context.Context, group Group) error {
	content, err := encodeGroupUpdate(group)
	if err != nil {
		return err
	}

	update := Message{
		ID:        uuid.New(),
		Kind:      transport.MessageGroupUpdate,
		SenderID:  r.opts.SelfID,
		GroupID:   &group.ID,
		Content:   content,
		Timestamp: time.Now(),
	}
	wire, err := r.toWire(update)
	if err != nil {
		return err
	}

	var lastErr error
	for _, memberID := range group.MemberIDs {
		if memberID == r.opts.SelfID {
			continue
		}
		if err := r.sendToPeer(ctx, memberID, wire, update); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (r *Router) handleInbound(event transport.MessageEvent) {
	wire := event.Message

	// Our own broadcasts loop back over multicast.
	if wire.SenderID == r.opts.SelfID {
		return
	}

	// Duplicate delivery is normal over multicast; drop before emitting.
	if !r.seen.Add(wire.ID) {
		return
	}

	// Any traffic from a peer refreshes its liveness.
	r.opts.Registry.Touch(wire.SenderID, time.Now())

	if wire.Kind == transport.MessageGroupUpdate {
		r.handleGroupUpdate(wire)
		return
	}

	msg := Message{
		ID:          wire.ID,
		Kind:        wire.Kind,
		SenderID:    wire.SenderID,
		RecipientID: wire.RecipientID,
		GroupID:     wire.GroupID,
		Content:     wire.Content,
		Timestamp:   time.UnixMilli(wire.Timestamp),
		Delivered:   true,
	}

	r.persistMessage(msg)
	r.opts.Bus.Publish(MessageReceived{Message: msg})
}

func (r *Router) handleGroupUpdate(wire transport.Message) {
	group, err := decodeGroupUpdate(wire.Content)
	if err != nil {
		log.Printf("router: dropping malformed group update from %s: %v", wire.SenderID, err)
		return
	}

	stored, changed := r.groups.apply(group)
	if changed {
		r.opts.Bus.Publish(GroupUpdated{Group: stored})
		r.persistGroup(stored)
	}
}

func (r *Router) toWire(msg Message) (transport.Message, error) {
	wire := transport.Message{
		Version:     transport.ProtocolVersion,
		Kind:        msg.Kind,
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		GroupID:     msg.GroupID,
		Timestamp:   msg.Timestamp.UnixMilli(),
		Content:     msg.Content,
	}
	if err := wire.Validate(); err != nil {
		return transport.Message{}, err
	}
	return wire, nil
}

func (r *Router) reportSendFailure(msg Message, targetID uuid.UUID, err error) {
	reason := transport.KindOf(err)
	if reason == "" {
		switch {
		case errors.Is(err, transport.ErrFrameTooLarge),
			errors.Is(err, transport.ErrInvalidMessageKind):
			// Encoding and size failures are the sender's fault, not the
			// network's.
			reason = transport.KindMalformed
		default:
			reason = transport.KindUnreachable
		}
	}
	r.opts.Bus.Publish(MessageSendFailed{
		Message:  msg,
		TargetID: targetID,
		Reason:   reason,
		Err:      err,
	})
}

func (r *Router) persistMessage(msg Message) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.SaveMessage(msg); err != nil {
		log.Printf("router: persist message %s failed: %v", msg.ID, err)
	}
}

func (r *Router) persistGroup(group Group) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.SaveGroup(group); err != nil {
		log.Printf("router: persist group %s failed: %v", group.ID, err)
	}
}
