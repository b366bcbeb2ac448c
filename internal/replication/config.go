// Package replication keeps the local store in sync with remote masters and
// peers. A Manager owns one Session per configured target; each session drives
// a Transport (CouchDB, peer mesh, or the custom sync server) through a shared
// pull/push engine, with conflicts settled by the conflict package.
package replication

import (
	"fmt"

	"github.com/pesto-garden/pesto-sync/internal/common"
)

// Type identifies a transport kind.
type Type string

const (
	TypeCouchDB     Type = "couchdb"
	TypeWebRTC      Type = "webrtc"
	TypePestoServer Type = "pesto-server"
)

// Config describes one replication target. It is a tagged union: Type selects
// which of the per-transport field groups is meaningful.
type Config struct {
	Type Type `json:"type"`
	Pull bool `json:"pull"`
	Push bool `json:"push"`

	// CouchDB: full database URL, plus basic-auth credentials.
	Database string `json:"database,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Peer mesh: signaling server URL and the shared room name.
	SignalingServer string `json:"signalingServer,omitempty"`
	Room            string `json:"room,omitempty"`

	// Custom sync server: base URL and bearer token.
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"`
}

// ReplicationID returns the stable identifier for this target. Checkpoints
// are keyed by it, so it must not change across restarts for the same target.
func (c Config) ReplicationID() string {
	switch c.Type {
	case TypeCouchDB:
		return "couchdb:" + c.Database
	case TypeWebRTC:
		return "webrtc:" + c.SignalingServer + "/" + c.Room
	case TypePestoServer:
		return "pesto-server:" + c.URL
	default:
		return "unknown:" + string(c.Type)
	}
}

func (c Config) Validate() error {
	if !c.Pull && !c.Push {
		return fmt.Errorf("%w: replication must pull, push, or both", common.ErrValidation)
	}
	switch c.Type {
	case TypeCouchDB:
		if c.Database == "" {
			return fmt.Errorf("%w: couchdb replication requires a database URL", common.ErrValidation)
		}
	case TypeWebRTC:
		if c.SignalingServer == "" || c.Room == "" {
			return fmt.Errorf("%w: webrtc replication requires a signaling server and room", common.ErrValidation)
		}
	case TypePestoServer:
		if c.URL == "" {
			return fmt.Errorf("%w: pesto-server replication requires a URL", common.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown replication type %q", common.ErrValidation, c.Type)
	}
	return nil
}
