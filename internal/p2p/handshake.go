package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	log "github.com/sirupsen/logrus"
)

func handleHandshake(s network.Stream, node host.Host) {
	buf := make([]byte, 1024)
	n, err := s.Read(buf)
	if err != nil {
		log.Errorf("Error reading handshake message: %v", err)
		return
	}

	handshakeMsg := buf[:n]
	if !bytes.Equal(handshakeMsg, []byte(expectedHandshake)) {
		log.Warn("Invalid handshake message received, closing connection")
		s.Reset()
		node.Network().ClosePeer(s.Conn().RemotePeer())
		return
	}

	if _, err := s.Write(handshakeMsg); err != nil {
		log.Errorf("Error writing handshake response: %v", err)
		return
	}
	log.Debug("Handshake successful")
}

func startHeartbeat(ctx context.Context, node host.Host, topic *pubsub.Topic) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			msg := HeartbeatMessage{
				PeerID:    node.ID().String(),
				Message:   "heartbeat",
				Timestamp: time.Now().Unix(),
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				log.Errorf("Failed to marshal heartbeat: %v", err)
				continue
			}
			if err := topic.Publish(ctx, raw); err != nil {
				log.Errorf("Failed to publish heartbeat: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func handleHeartbeatMessages(ctx context.Context, sub *pubsub.Subscription, node host.Host) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("Error reading heartbeat: %v", err)
			continue
		}
		if msg.ReceivedFrom == node.ID() {
			continue
		}

		var hb HeartbeatMessage
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			log.Warnf("Malformed heartbeat from %s: %v", msg.ReceivedFrom, err)
			continue
		}
		log.Debugf("Heartbeat from %s at %d", hb.PeerID, hb.Timestamp)
	}
}
