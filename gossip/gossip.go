// Package gossip adapts a WAMP membership/announce feed into replication
// work items (C9): incoming (peer, have(URN)) events are decoded,
// deduplicated, and handed to a bounded queue the replication engine
// drains.
//
// The WAMP client wiring — connect, subscribe, decode callback arguments,
// push onto a channel the rest of the system reads from — is grounded on
// babble's net/signal/wamp.Client: that package registers a procedure and
// forwards invocation arguments onto a consumer channel; this package
// instead subscribes to a topic and forwards event arguments the same
// way, since announce is a broadcast, not a call-and-response exchange.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"

	"github.com/radicle-go/ribc/urn"
)

// DefaultTopic is the WAMP topic announce events are published under.
const DefaultTopic = "ribc.announce"

// Event is one (peer, have(URN)) announcement.
type Event struct {
	Peer urn.PeerID
	URN  urn.URN
}

// wireEvent is the JSON payload carried as a single WAMP event argument.
type wireEvent struct {
	Peer string `json:"peer"`
	URN  string `json:"urn"`
}

// Adapter subscribes to a WAMP topic and enqueues decoded Events onto a
// Queue for Dispatch to drain.
type Adapter struct {
	client *client.Client
	topic  string
	queue  *Queue
	logger *logrus.Entry

	onSuspect func(urn.PeerID)
}

// Config configures an Adapter's connection to the WAMP router.
type Config struct {
	RouterURL string
	Realm     string
	Topic     string // defaults to DefaultTopic
}

// Connect dials the WAMP router at cfg.RouterURL and returns an Adapter
// ready to Subscribe, publishing decoded events onto queue.
func Connect(ctx context.Context, cfg Config, queue *Queue, logger *logrus.Entry) (*Adapter, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	cli, err := client.ConnectNet(ctx, cfg.RouterURL, client.Config{
		Realm:  cfg.Realm,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("gossip: connect %s: %w", cfg.RouterURL, err)
	}
	return &Adapter{client: cli, topic: topic, queue: queue, logger: logger}, nil
}

// OnDisconnect stores fn as the adapter's disconnect callback. No code in
// this package calls it, so registering it has no effect on its own.
func (a *Adapter) OnDisconnect(fn func(urn.PeerID)) { a.onSuspect = fn }

// Subscribe registers the announce handler with the WAMP router. Events
// that fail to decode are logged and dropped; a malformed announce from
// one peer must not take down the whole feed.
func (a *Adapter) Subscribe() error {
	return a.client.Subscribe(a.topic, a.handleEvent, nil)
}

func (a *Adapter) handleEvent(ev *wamp.Event) {
	if len(ev.Arguments) != 1 {
		a.logf("gossip: announce event with %d arguments, want 1", len(ev.Arguments))
		return
	}
	raw, ok := wamp.AsString(ev.Arguments[0])
	if !ok {
		a.logf("gossip: announce argument is not a string")
		return
	}
	var we wireEvent
	if err := json.Unmarshal([]byte(raw), &we); err != nil {
		a.logf("gossip: malformed announce payload: %v", err)
		return
	}
	peer, err := urn.ParsePeerID(we.Peer)
	if err != nil {
		a.logf("gossip: malformed peer in announce: %v", err)
		return
	}
	u, err := urn.Parse(we.URN)
	if err != nil {
		a.logf("gossip: malformed urn in announce: %v", err)
		return
	}
	a.queue.Enqueue(Event{Peer: peer, URN: u})
}

func (a *Adapter) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Warnf(format, args...)
	}
}

// Close unsubscribes and closes the WAMP connection.
func (a *Adapter) Close() error {
	_ = a.client.Unsubscribe(a.topic)
	return a.client.Close()
}
