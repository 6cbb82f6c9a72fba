package core

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
)

// PeerManagement implements PeerManager and provides discovery, connection
// and per-protocol unicast messaging built around Node. Unlike Node's
// pubsub-based Broadcast/Subscribe (used for optional topic-style fanout
// such as orphan blocks), PeerManagement rides dedicated libp2p streams per
// protocol ID: SendAsync opens one, and Subscribe registers a stream handler
// that decodes inbound frames into InboundMsg values. This is the channel
// replication.go and the bootstrap state machines use, since both need
// point-to-point request/response rather than flood broadcast.
type PeerManagement struct {
	node *Node
	mu   sync.RWMutex
	out  map[string]chan InboundMsg
}

// NewPeerManagement wraps an existing Node to expose peer management functions.
func NewPeerManagement(n *Node) *PeerManagement {
	return &PeerManagement{
		node: n,
		out:  make(map[string]chan InboundMsg),
	}
}

// DiscoverPeers returns the currently known peers.
// Discovery is handled via mDNS by the underlying Node.
func (pm *PeerManagement) DiscoverPeers() []PeerInfo {
	pm.node.peerLock.RLock()
	defer pm.node.peerLock.RUnlock()
	infos := make([]PeerInfo, 0, len(pm.node.peers))
	for _, p := range pm.node.peers {
		infos = append(infos, PeerInfo{Address: Address{}, RTT: float64(p.Latency.Milliseconds()), Updated: time.Now().Unix()})
	}
	return infos
}

// Connect establishes a connection to the given multi-address.
func (pm *PeerManagement) Connect(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if err := pm.node.host.Connect(pm.node.ctx, *pi); err != nil {
		return err
	}
	pm.node.peerLock.Lock()
	pm.node.peers[NodeID(pi.ID.String())] = &Peer{ID: NodeID(pi.ID.String()), Addr: addr}
	pm.node.peerLock.Unlock()
	return nil
}

// Disconnect closes the connection to the given peer ID.
func (pm *PeerManagement) Disconnect(id NodeID) error {
	pid, err := peer.Decode(string(id))
	if err != nil {
		return err
	}
	if err := pm.node.host.Network().ClosePeer(pid); err != nil {
		return err
	}
	pm.node.peerLock.Lock()
	delete(pm.node.peers, id)
	pm.node.peerLock.Unlock()
	return nil
}

// AdvertiseSelf broadcasts this node's presence on the advertised topic.
func (pm *PeerManagement) AdvertiseSelf(topic string) error {
	return pm.node.Broadcast(topic, []byte(pm.node.host.ID()))
}

// Peers implements PeerManager and returns peer information.
func (pm *PeerManagement) Peers() []PeerInfo {
	return pm.DiscoverPeers()
}

func shufflePeerIDs(ids []NodeID) {
	for i := len(ids) - 1; i > 0; i-- {
		jBig, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return
		}
		j := int(jBig.Int64())
		ids[i], ids[j] = ids[j], ids[i]
	}
}

// Sample returns up to n peer IDs at random.
func (pm *PeerManagement) Sample(n int) []string {
	pm.node.peerLock.RLock()
	ids := make([]NodeID, 0, len(pm.node.peers))
	for id := range pm.node.peers {
		ids = append(ids, id)
	}
	pm.node.peerLock.RUnlock()

	shufflePeerIDs(ids)
	if n > len(ids) {
		n = len(ids)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, string(ids[i]))
	}
	return out
}

// SendAsync opens a libp2p stream to peerID and writes one framed message
// (code plus payload) using wire_codec.go's envelope.
func (pm *PeerManagement) SendAsync(peerID, proto string, code byte, payload []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("decode peer id %s: %w", peerID, err)
	}
	ctx, cancel := context.WithTimeout(pm.node.ctx, 5*time.Second)
	defer cancel()
	s, err := pm.node.host.NewStream(ctx, pid, protocol.ID(proto))
	if err != nil {
		return fmt.Errorf("open stream to %s/%s: %w", peerID, proto, err)
	}
	defer s.Close()
	if err := WriteMessage(s, code, payload); err != nil {
		return fmt.Errorf("write message to %s/%s: %w", peerID, proto, err)
	}
	return nil
}

// Subscribe registers a stream handler for proto (if not already
// registered) and returns the channel of decoded InboundMsg values it feeds.
func (pm *PeerManagement) Subscribe(proto string) <-chan InboundMsg {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if ch, ok := pm.out[proto]; ok {
		return ch
	}
	out := make(chan InboundMsg, 32)
	pm.out[proto] = out
	pm.node.host.SetStreamHandler(protocol.ID(proto), func(s network.Stream) {
		defer s.Close()
		remote := s.Conn().RemotePeer().String()
		br := bufio.NewReader(s)
		code, body, err := ReadMessage(br)
		if err != nil {
			logrus.Debugf("peer_management: read %s from %s: %v", proto, remote, err)
			return
		}
		msg := InboundMsg{PeerID: remote, Payload: append([]byte{code}, body...), Topic: proto, Ts: time.Now().UnixMilli()}
		select {
		case out <- msg:
		default:
			logrus.Warnf("peer_management: dropping message on %s, subscriber channel full", proto)
		}
	})
	return out
}

// Unsubscribe removes the stream handler registered for proto and closes
// its channel.
func (pm *PeerManagement) Unsubscribe(proto string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.node.host.RemoveStreamHandler(protocol.ID(proto))
	if ch, ok := pm.out[proto]; ok {
		close(ch)
		delete(pm.out, proto)
	}
}

// Ensure PeerManagement implements PeerManager.
var _ PeerManager = (*PeerManagement)(nil)
