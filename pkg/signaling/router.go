package signaling

import (
	"context"
	"log"
)

// roomCapacity is the two-party call limit. The registry itself is
// uncapped; the router refuses joins beyond this so neither side of an
// established call ever has to negotiate with a third peer.
const roomCapacity = 2

// Sender delivers an outbound message to a single connection. Delivery
// is fire-and-forget: a slow or vanished recipient must not block the
// caller.
type Sender interface {
	Send(connID string, msg OutboundMessage)
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Presence mirrors room membership to an external store for
	// operational visibility. Optional; the registry stays
	// authoritative either way.
	Presence PresenceStore
	Logger   *log.Logger
}

// Router translates inbound connection events into registry updates
// and outbound messages. It keeps no state of its own, so a single
// event plus the current registry contents fully determine what gets
// sent, which is what the unit tests exercise.
type Router struct {
	registry *Registry
	sender   Sender
	presence PresenceStore
	logger   *log.Logger
}

// NewRouter builds a Router over the given registry and sender.
func NewRouter(registry *Registry, sender Sender, opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		registry: registry,
		sender:   sender,
		presence: opts.Presence,
		logger:   logger,
	}
}

// Connect registers a new connection. The connection belongs to no
// room until it asks to join one.
func (rt *Router) Connect(connID string) {
	rt.registry.Register(connID)
}

// HandleJoin admits the connection to a room and tells each member who
// was already there about the newcomer. The newcomer is told nothing;
// existing members initiate negotiation when they see peer-joined, so
// the two sides never race to produce the first offer.
func (rt *Router) HandleJoin(connID, token string) {
	if token == "" {
		rt.logger.Printf("signaling: join from %s dropped, no room token", connID)
		return
	}

	prior, err := rt.registry.Join(connID, token)
	if err != nil {
		rt.logger.Printf("signaling: join %s -> %q: %v", connID, token, err)
		return
	}
	if len(prior) >= roomCapacity {
		// Admitted and immediately backed out, so the capacity check
		// sees a consistent member count even under concurrent joins.
		rt.registry.Leave(connID, token)
		rt.logger.Printf("signaling: join %s -> %q refused, room full", connID, token)
		rt.sender.Send(connID, OutboundMessage{Type: TypeError, Error: "room full"})
		return
	}

	rt.logger.Printf("signaling: %s joined %q (existing=%d)", connID, token, len(prior))
	for _, member := range prior {
		rt.sender.Send(member, OutboundMessage{Type: TypePeerJoined, ID: connID})
	}
	rt.mirrorJoin(token, connID)
}

// HandleSignal relays a negotiation payload within a room. A targeted
// message goes only to its addressee and is dropped when the addressee
// is no longer a member, since signals routinely race against a leave.
// Without a target, the payload fans out to every member but the
// sender. The payload passes through untouched.
func (rt *Router) HandleSignal(connID string, msg InboundMessage) {
	if msg.Room == "" || len(msg.Data) == 0 {
		rt.logger.Printf("signaling: signal from %s dropped, missing room or payload", connID)
		return
	}

	if msg.To != "" {
		if !rt.isMember(msg.Room, msg.To) {
			rt.logger.Printf("signaling: signal %s -> %s in %q dropped, target not present", connID, msg.To, msg.Room)
			return
		}
		rt.sender.Send(msg.To, OutboundMessage{Type: TypeSignal, From: connID, Data: msg.Data})
		return
	}

	for _, member := range rt.registry.MembersOf(msg.Room, connID) {
		rt.sender.Send(member, OutboundMessage{Type: TypeSignal, From: connID, Data: msg.Data})
	}
}

// Disconnect removes the connection everywhere and notifies whoever
// shared a room with it. A repeated disconnect finds nothing to do.
func (rt *Router) Disconnect(connID string) {
	departures := rt.registry.Disconnect(connID)
	for _, dep := range departures {
		for _, member := range dep.Remaining {
			rt.sender.Send(member, OutboundMessage{Type: TypePeerLeft, ID: connID})
		}
		rt.mirrorLeave(dep.Room, connID)
	}
	if len(departures) > 0 {
		rt.logger.Printf("signaling: %s disconnected from %d room(s)", connID, len(departures))
	}
}

func (rt *Router) isMember(token, connID string) bool {
	for _, id := range rt.registry.MembersOf(token, "") {
		if id == connID {
			return true
		}
	}
	return false
}

func (rt *Router) mirrorJoin(token, connID string) {
	if rt.presence == nil {
		return
	}
	if err := rt.presence.AddMember(context.Background(), token, connID); err != nil {
		rt.logger.Printf("signaling: presence add %s in %q: %v", connID, token, err)
	}
}

func (rt *Router) mirrorLeave(token, connID string) {
	if rt.presence == nil {
		return
	}
	if err := rt.presence.RemoveMember(context.Background(), token, connID); err != nil {
		rt.logger.Printf("signaling: presence remove %s in %q: %v", connID, token, err)
	}
}
