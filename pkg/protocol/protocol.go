// Package protocol holds the wire vocabulary shared with control-plane
// clients: RPC method names, event names, and exit codes.
package protocol

// RPC method name constants.
const (
	// Config
	MethodConfigGet   = "config.get"
	MethodConfigPatch = "config.patch"

	// Channels
	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"
	MethodAccountStart   = "channels.account.start"
	MethodAccountStop    = "channels.account.stop"

	// Pairing
	MethodPairingList    = "pairing.list"
	MethodPairingApprove = "pairing.approve"
	MethodPairingDelete  = "pairing.delete"

	// Sessions
	MethodSessionsList  = "sessions.list"
	MethodSessionsPatch = "sessions.patch"

	// System
	MethodHealth = "health"
	MethodStatus = "status"
)

// Event names pushed to observers.
const (
	EventHealth        = "health"
	EventChannelStatus = "channel.status"
	EventPairing       = "pairing.requested"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitFatalConfig    = 1
	ExitFatalTransport = 2
)
