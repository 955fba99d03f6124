package shaderdb

import (
	"bytes"
	"fmt"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/kecho/coalpy-sub001/internal/obs"
)

// RemoteCache is an optional distributed build-cache backend for compiled
// shader bytecode, addressed by multiaddr and keyed by peer identity —
// a supplement in the spirit of the original's ShaderDbDesc.compilerDllPath
// naming a pluggable external resource. No network transport loop runs:
// nothing is contacted until Fetch or Publish is called, and those talk to
// the IPFS HTTP API endpoint whether or not a peer address is configured.
type RemoteCache struct {
	addr   ma.Multiaddr
	peerID peer.ID
	sh     *shell.Shell
	log    *obs.Logger
}

// NewRemoteCache resolves addrStr into a multiaddr and, if it carries a
// /p2p/<peerID> component, records the peer identity the cache entries
// are attributed to. addrStr may be empty — the RemoteCache then carries
// no peer attribution, which only affects logging, not Fetch/Publish,
// since those are driven by apiEndpoint (the IPFS HTTP API address) alone.
// It connects lazily: the returned RemoteCache does nothing until Fetch or
// Publish is called.
func NewRemoteCache(addrStr, apiEndpoint string) (*RemoteCache, error) {
	var addr ma.Multiaddr
	var pid peer.ID

	if addrStr != "" {
		a, err := ma.NewMultiaddr(addrStr)
		if err != nil {
			return nil, fmt.Errorf("shaderdb: parsing remote cache address %q: %w", addrStr, err)
		}
		addr = a

		if pidStr, err := addr.ValueForProtocol(ma.P_P2P); err == nil {
			pid, err = peer.Decode(pidStr)
			if err != nil {
				return nil, fmt.Errorf("shaderdb: decoding peer id %q: %w", pidStr, err)
			}
		}
	}

	return &RemoteCache{
		addr:   addr,
		peerID: pid,
		sh:     shell.NewShell(apiEndpoint),
		log:    obs.Default().WithComponent("shaderdb.remotecache"),
	}, nil
}

// Fetch retrieves bytecode stored under key (the IPFS content identifier
// returned by a prior Publish) from the remote cache peer.
func (r *RemoteCache) Fetch(key string) ([]byte, error) {
	rc, err := r.sh.Cat(key)
	if err != nil {
		return nil, fmt.Errorf("shaderdb: fetching remote cache entry %s from %s: %w", key, r.addr, err)
	}
	defer rc.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := rc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

// Publish uploads bytecode to the remote cache peer, returning the
// content identifier other builds can Fetch it back by.
func (r *RemoteCache) Publish(bytecode []byte) (string, error) {
	cid, err := r.sh.Add(bytes.NewReader(bytecode))
	if err != nil {
		return "", fmt.Errorf("shaderdb: publishing to remote cache %s: %w", r.addr, err)
	}
	r.log.Infof("published shader bytecode as %s to peer %s", cid, r.peerID)
	return cid, nil
}

// PeerID returns the peer identity this cache's entries are attributed
// to, or "" if the configured address carried none.
func (r *RemoteCache) PeerID() peer.ID { return r.peerID }
