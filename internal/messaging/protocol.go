package messaging

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	// TopicIsAlive carries liveness broadcasts.
	TopicIsAlive = "/vector/isalive/1.0.0"

	// TopicAnnounce maps public identifiers to libp2p peer ids.
	TopicAnnounce = "/vector/announce/1.0.0"
)

// Stream protocol IDs.
const (
	// ProtocolUpdate is the update-exchange request/response protocol.
	ProtocolUpdate = protocol.ID("/vector/protocol/1.0.0")

	// ProtocolRestore runs the restore request/response/ack exchange.
	ProtocolRestore = protocol.ID("/vector/restore/1.0.0")

	// ProtocolSetup requests a channel setup from a peer.
	ProtocolSetup = protocol.ID("/vector/setup/1.0.0")

	// ProtocolCollateral requests collateralization of a channel.
	ProtocolCollateral = protocol.ID("/vector/collateral/1.0.0")

	// ProtocolPing probes peer liveness.
	ProtocolPing = protocol.ID("/vector/ping/1.0.0")
)

// maxMessageBytes limits any single exchange leg (4 MB covers a restore
// payload with a large active-transfer set).
const maxMessageBytes = 4 * 1024 * 1024
