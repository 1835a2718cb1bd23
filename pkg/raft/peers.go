package raft

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// static cluster member
// RaftAddr carries consensus traffic, RPCAddr is where its Coordinator service listens
type Peer struct {
	ID       uuid.UUID
	RaftAddr string
	RPCAddr  string
}

func (p Peer) String() string {
	return p.ID.String() + "@" + p.RaftAddr + "@" + p.RPCAddr
}

// parses "id@raftAddr@rpcAddr,id@raftAddr@rpcAddr"
func ParsePeers(s string) ([]Peer, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var peers []Peer
	seen := make(map[uuid.UUID]bool)

	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(entry), "@")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid peer %q: want id@raftAddr@rpcAddr", entry)
		}

		id, err := uuid.Parse(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid peer id %q: %w", parts[0], err)
		}
		if parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid peer %q: empty address", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate peer id %s", id)
		}
		seen[id] = true

		peers = append(peers, Peer{ID: id, RaftAddr: parts[1], RPCAddr: parts[2]})
	}

	return peers, nil
}
