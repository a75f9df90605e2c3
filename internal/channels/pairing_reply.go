package channels

import "fmt"

// BuildPairingReply is the one message an unknown DM sender receives
// when the account runs dm_policy=pairing. hint names the sender's
// channel-local identity so the operator can recognize the request.
func BuildPairingReply(channel, hint, code string) string {
	return fmt.Sprintf(
		"This bot only talks to paired contacts.\n%s\nPairing code: %s\nAsk the operator to approve this code to start chatting.",
		hint, code,
	)
}

// PairingHint formats the sender-identity line for a channel.
func PairingHint(channelLabel, senderID string) string {
	return fmt.Sprintf("Your %s user id: %s", channelLabel, senderID)
}
