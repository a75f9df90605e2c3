// Package bus holds the message types shared between channel plugins and
// the inbound pipeline: the normalized inbound envelope, reply payloads
// streamed back from the agent dispatcher, and the per-conversation
// inbound debouncer.
package bus

import "time"

// ChatType distinguishes DM from group conversations.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Peer identifies the conversation counterpart: the sender for DMs,
// the group for group chats.
type Peer struct {
	Kind ChatType `json:"kind"`
	ID   string   `json:"id"`
}

// Sender is the channel-local identity of the message author.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Attachment is one inbound media item. Either URL or FileID is set,
// depending on how the surface hands out media.
type Attachment struct {
	URL    string `json:"url,omitempty"`
	FileID string `json:"file_id,omitempty"`
	MIME   string `json:"mime,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// Envelope is an inbound message normalized across transports.
// Channel handlers build one of these and hand it to the core runtime;
// everything after that point is transport-agnostic.
type Envelope struct {
	Channel     string       `json:"channel"`
	AccountID   string       `json:"account_id"`
	MessageID   string       `json:"message_id,omitempty"` // surface-unique when present
	Timestamp   int64        `json:"timestamp"`            // ms epoch
	Sender      Sender       `json:"sender"`
	ChatType    ChatType     `json:"chat_type"`
	GroupID     string       `json:"group_id,omitempty"`
	GroupName   string       `json:"group_name,omitempty"`
	Text        string       `json:"text"` // post-mention-resolution
	Attachments []Attachment `json:"attachments,omitempty"`
	Raw         any          `json:"-"` // original transport payload, opaque

	// MediaPath/MediaType are filled by the media fetcher after download.
	MediaPath string `json:"media_path,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// CommandAuthorized is resolved by the policy gate when the text carries
	// a control command. Nil means "not a command".
	CommandAuthorized *bool `json:"command_authorized,omitempty"`
}

// ConversationPeer returns the peer this envelope belongs to:
// the group for group chats, the sender for DMs.
func (e *Envelope) ConversationPeer() Peer {
	if e.ChatType == ChatGroup {
		return Peer{Kind: ChatGroup, ID: e.GroupID}
	}
	return Peer{Kind: ChatDirect, ID: e.Sender.ID}
}

// HasMedia reports whether the envelope carries any attachment.
func (e *Envelope) HasMedia() bool {
	return len(e.Attachments) > 0 || e.MediaPath != ""
}

// Marker tags a reply payload position within the stream for one inbound.
type Marker string

const (
	MarkerPartial Marker = "partial"
	MarkerFinal   Marker = "final"
)

// ReplyPayload is one unit of agent output flowing toward a surface.
// Exactly one payload per inbound carries MarkerFinal.
type ReplyPayload struct {
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Marker    Marker   `json:"marker"`
	Error     bool     `json:"error,omitempty"` // final carries an error marker
}

// DeliveryContext travels end-to-end from the inbound handler to the
// agent layer and back through reply delivery. It is the sole object
// the agent layer sees.
type DeliveryContext struct {
	From               string
	To                 string
	SessionKey         string
	MainSessionKey     string
	AgentID            string
	AccountID          string
	ChatType           ChatType
	ConversationLabel  string
	SenderName         string
	SenderID           string
	CommandAuthorized  *bool
	Provider           string
	Surface            string
	MessageSid         string
	MediaPath          string
	MediaType          string
	MediaURL           string
	OriginatingChannel string
	OriginatingTo      string
}

// NowMillis returns the current wall clock in ms epoch, the timestamp
// unit used across envelopes and session entries.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
