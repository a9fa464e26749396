package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"

	"github.com/utxonet/utxo-commit-node/internal/consensus"
)

// peerEntry is one record of the peers file: identity, dial addresses, and
// the topology metadata used for diversity filtering.
type peerEntry struct {
	ID     string   `json:"id"`
	Addrs  []string `json:"addrs"`
	ASN    uint32   `json:"asn"`
	Subnet string   `json:"subnet"`
	Region string   `json:"region"`
}

// FileDirectory is a read-only peer-metadata registry loaded from a JSON
// file. It implements consensus.PeerDirectory and is injected into the
// engine rather than reached through global state.
type FileDirectory struct {
	path string

	mu      sync.RWMutex
	entries []peerEntry
	loaded  time.Time
}

const directoryRefreshInterval = 5 * time.Minute

func NewFileDirectory(path string) *FileDirectory {
	return &FileDirectory{path: path}
}

func (d *FileDirectory) Peers(ctx context.Context) ([]consensus.PeerInfo, error) {
	if err := d.refresh(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	peers := make([]consensus.PeerInfo, 0, len(d.entries))
	for _, e := range d.entries {
		peers = append(peers, consensus.PeerInfo{
			ID:     e.ID,
			ASN:    e.ASN,
			Subnet: e.Subnet,
			Region: e.Region,
		})
	}
	return peers, nil
}

func (d *FileDirectory) refresh() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if time.Since(d.loaded) < directoryRefreshInterval && d.entries != nil {
		return nil
	}

	raw, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read peers file %s: %w", d.path, err)
	}

	var entries []peerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse peers file %s: %w", d.path, err)
	}

	d.entries = entries
	d.loaded = time.Now()
	log.Debugf("Loaded %d peers from %s", len(entries), d.path)
	return nil
}

// Populate seeds the peerstore with every directory peer's dial addresses
// so the client can open streams by peer ID alone. The peers file is loaded
// here, before the first consensus round ever asks for it.
func (d *FileDirectory) Populate(ps peerstore.Peerstore) {
	if err := d.refresh(); err != nil {
		log.Warnf("Peer directory unavailable: %v", err)
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, e := range d.entries {
		pid, err := peer.Decode(e.ID)
		if err != nil {
			log.Warnf("Bad peer id %q in peers file: %v", e.ID, err)
			continue
		}
		for _, a := range e.Addrs {
			addr, err := multiaddr.NewMultiaddr(a)
			if err != nil {
				log.Warnf("Bad address %q for peer %s: %v", a, e.ID, err)
				continue
			}
			ps.AddAddr(pid, addr, peerstore.PermanentAddrTTL)
		}
	}
}
