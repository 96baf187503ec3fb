// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	"maps"

	"github.com/autobrr/qbsync/pkg/optional"
)

// Peer is one connected peer of a torrent, keyed by "ip:port".
type Peer struct {
	Client       string  `json:"client"`
	PeerIDClient string  `json:"peer_id_client"`
	Connection   string  `json:"connection"`
	Country      string  `json:"country"`
	CountryCode  string  `json:"country_code"`
	Flags        string  `json:"flags"`
	FlagsDesc    string  `json:"flags_desc"`
	IP           string  `json:"ip"`
	Port         int64   `json:"port"`
	Files        string  `json:"files"`
	Downloaded   int64   `json:"downloaded"`
	Uploaded     int64   `json:"uploaded"`
	DlSpeed      int64   `json:"dl_speed"`
	UpSpeed      int64   `json:"up_speed"`
	Progress     float64 `json:"progress"`
	Relevance    float64 `json:"relevance"`
}

// Merge applies every field present in p and reports whether anything changed.
func (peer *Peer) Merge(p *PeerPatch) bool {
	changed := false
	for _, c := range []bool{
		optional.Apply(&peer.Client, p.Client),
		optional.Apply(&peer.PeerIDClient, p.PeerIDClient),
		optional.Apply(&peer.Connection, p.Connection),
		optional.Apply(&peer.Country, p.Country),
		optional.Apply(&peer.CountryCode, p.CountryCode),
		optional.Apply(&peer.Flags, p.Flags),
		optional.Apply(&peer.FlagsDesc, p.FlagsDesc),
		optional.Apply(&peer.IP, p.IP),
		optional.Apply(&peer.Port, p.Port),
		optional.Apply(&peer.Files, p.Files),
		optional.Apply(&peer.Downloaded, p.Downloaded),
		optional.Apply(&peer.Uploaded, p.Uploaded),
		optional.Apply(&peer.DlSpeed, p.DlSpeed),
		optional.Apply(&peer.UpSpeed, p.UpSpeed),
		optional.Apply(&peer.Progress, p.Progress),
		optional.Apply(&peer.Relevance, p.Relevance),
	} {
		changed = changed || c
	}
	return changed
}

// PeerList is the peer set of one torrent. It has no secondary indices.
// Like Store it is not safe for concurrent use.
type PeerList struct {
	Rid       int64
	ShowFlags bool
	Peers     map[string]*Peer
}

// NewPeerList returns an empty peer list.
func NewPeerList() *PeerList {
	return &PeerList{Peers: make(map[string]*Peer)}
}

// Apply merges one sync/torrentPeers delta and reports whether the peer set changed.
// A full update replaces every peer; a partial one removes, then patches or adds.
// A partial delta whose rid is not newer than the list's is stale and dropped.
func (l *PeerList) Apply(d *PeerDelta) bool {
	if !d.FullUpdate && d.Rid <= l.Rid {
		return false
	}

	changed := false
	l.Rid = d.Rid
	if optional.Apply(&l.ShowFlags, d.ShowFlags) {
		changed = true
	}

	if d.FullUpdate {
		peers := make(map[string]*Peer, len(d.Peers))
		for key, patch := range d.Peers {
			peer := &Peer{}
			peer.Merge(&patch)
			peers[key] = peer
		}
		if !maps.EqualFunc(l.Peers, peers, func(a, b *Peer) bool { return *a == *b }) {
			changed = true
		}
		l.Peers = peers
		return changed
	}

	for _, key := range d.PeersRemoved {
		if _, ok := l.Peers[key]; ok {
			delete(l.Peers, key)
			changed = true
		}
	}

	for key, patch := range d.Peers {
		peer, ok := l.Peers[key]
		if !ok {
			peer = &Peer{}
			l.Peers[key] = peer
			changed = true
		}
		if peer.Merge(&patch) {
			changed = true
		}
	}

	return changed
}

// Len returns the number of peers.
func (l *PeerList) Len() int {
	return len(l.Peers)
}

// Clone returns a deep copy of the list.
func (l *PeerList) Clone() *PeerList {
	out := &PeerList{Rid: l.Rid, ShowFlags: l.ShowFlags, Peers: make(map[string]*Peer, len(l.Peers))}
	for key, peer := range l.Peers {
		p := *peer
		out.Peers[key] = &p
	}
	return out
}
