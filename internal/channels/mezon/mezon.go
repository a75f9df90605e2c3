// Package mezon connects the gateway to Mezon via its websocket
// gateway. One websocket carries both directions: inbound message
// events and outbound send/typing frames.
package mezon

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

const (
	defaultGatewayURL = "wss://gw.mezon.ai/ws"

	// textLimit is Mezon's message length limit.
	textLimit = 4000

	writeTimeout  = 15 * time.Second
	pingInterval  = 25 * time.Second
	reconnectBase = 2 * time.Second
	reconnectMax  = 60 * time.Second
)

// Plugin implements the Mezon channel.
type Plugin struct {
	channels.BasePlugin
}

// New creates the Mezon plugin.
func New() *Plugin {
	return &Plugin{
		BasePlugin: channels.BasePlugin{
			PluginID:        "mezon",
			PluginMeta:      channels.Meta{Label: "Mezon", Aliases: []string{"mz"}, Order: 10},
			DefaultDMPolicy: channels.DMPolicyPairing,
			PluginCaps: channels.Capabilities{
				ChatTypes:      []bus.ChatType{bus.ChatDirect, bus.ChatGroup},
				Media:          true,
				Reactions:      false,
				Threads:        false,
				BlockStreaming: false,
			},
		},
	}
}

// gatewayFrame is one websocket frame in either direction.
type gatewayFrame struct {
	Type    string        `json:"type"`
	Message *eventMessage `json:"message,omitempty"`

	// Outbound fields.
	ChannelID string          `json:"channel_id,omitempty"`
	Content   *messageContent `json:"content,omitempty"`
	Mode      string          `json:"mode,omitempty"`
}

type messageContent struct {
	T string `json:"t"`
}

type eventMessage struct {
	ID          string            `json:"id"`
	ChannelID   string            `json:"channel_id"`
	ChannelName string            `json:"channel_name,omitempty"`
	ChannelType string            `json:"channel_type"` // "DM" or "CHANNEL"
	SenderID    string            `json:"sender_id"`
	Username    string            `json:"username,omitempty"`
	Content     messageContent    `json:"content"`
	Mentions    []string          `json:"mentions,omitempty"`
	Attachments []eventAttachment `json:"attachments,omitempty"`
	CreateTime  int64             `json:"create_time_ms,omitempty"`
}

type eventAttachment struct {
	URL      string `json:"url"`
	Filetype string `json:"filetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// transport is the send side of one connected account.
type transport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *transport) write(ctx context.Context, frame gatewayFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := t.conn
	if conn == nil {
		return fmt.Errorf("mezon gateway not connected")
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(frame)
}

func (t *transport) swap(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *transport) SendText(ctx context.Context, to, text string) error {
	return t.write(ctx, gatewayFrame{
		Type:      "send_message",
		ChannelID: to,
		Content:   &messageContent{T: text},
	})
}

func (t *transport) SendTyping(ctx context.Context, to string) error {
	return t.write(ctx, gatewayFrame{Type: "typing", ChannelID: to})
}

func (t *transport) SendMedia(ctx context.Context, to string, urls []string) error {
	return t.SendText(ctx, to, strings.Join(urls, "\n"))
}

func (t *transport) TextLimit() int       { return textLimit }
func (t *transport) BlockStreaming() bool { return false }

// StartAccount dials the gateway, pumps inbound events into the core
// pipeline, and reconnects with backoff until the abort signal fires.
func (p *Plugin) StartAccount(sc channels.StartContext) error {
	cred, err := config.ResolveCredential(p.PluginID, sc.AccountID, sc.Account)
	if err != nil {
		return fmt.Errorf("mezon credentials: %w", err)
	}
	if cred.Token == "" {
		return fmt.Errorf("mezon: no token for account %s", sc.AccountID)
	}

	gatewayURL := sc.Account.Endpoint
	if gatewayURL == "" {
		gatewayURL = defaultGatewayURL
	}
	botID := config.ResolveBotID(p.PluginID, sc.AccountID, sc.Account)

	tr := &transport{}
	backoff := reconnectBase

	for {
		select {
		case <-sc.Context.Done():
			return nil
		default:
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(sc.Context, gatewayURL, http.Header{
			"Authorization": []string{"Bearer " + cred.Token},
		})
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				// Invalid credentials are fatal; the supervisor keeps
				// the error in status and does not restart.
				return fmt.Errorf("mezon auth rejected: status %d", resp.StatusCode)
			}
			sc.Log.Warn("mezon dial failed", "error", err, "retry_in", backoff)
			sc.SetStatus(channels.StatusDelta{LastError: err.Error()})
			select {
			case <-sc.Context.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectBase
		tr.swap(conn)
		sc.Log.Info("mezon gateway connected", "url", gatewayURL)
		sc.SetStatus(channels.StatusDelta{ClearError: true})

		p.readLoop(sc, conn, tr, botID)
		tr.swap(nil)
		conn.Close()

		select {
		case <-sc.Context.Done():
			return nil
		default:
			sc.Log.Warn("mezon gateway disconnected, reconnecting")
		}
	}
}

// readLoop consumes frames until the connection breaks or the account
// is aborted.
func (p *Plugin) readLoop(sc channels.StartContext, conn *websocket.Conn, tr *transport, botID string) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sc.Context.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "message_created" || frame.Message == nil {
			continue
		}
		msg := frame.Message
		if msg.SenderID == "" || msg.SenderID == botID {
			continue
		}

		now := bus.NowMillis()
		sc.SetStatus(channels.StatusDelta{LastInboundAt: &now})

		env := p.normalize(msg, sc.AccountID, botID)
		go sc.Core.HandleInbound(sc.Context, env, tr)
	}
}

// normalize converts a Mezon event into the transport-agnostic
// envelope. Clan channels map to group chats; the mention gate records
// whether the bot was addressed.
func (p *Plugin) normalize(msg *eventMessage, accountID, botID string) *bus.Envelope {
	isGroup := strings.EqualFold(msg.ChannelType, "CHANNEL")
	text := msg.Content.T
	mentioned := !isGroup
	for _, m := range msg.Mentions {
		if m == botID {
			mentioned = true
			break
		}
	}

	env := &bus.Envelope{
		Channel:   "mezon",
		AccountID: accountID,
		MessageID: msg.ID,
		Timestamp: msg.CreateTime,
		Sender:    bus.Sender{ID: msg.SenderID, Name: msg.Username},
		ChatType:  bus.ChatDirect,
		Text:      text,
		Raw:       map[string]string{"mentioned": fmt.Sprintf("%t", mentioned)},
	}
	if isGroup {
		env.ChatType = bus.ChatGroup
		env.GroupID = msg.ChannelID
		env.GroupName = msg.ChannelName
	}
	for _, att := range msg.Attachments {
		env.Attachments = append(env.Attachments, bus.Attachment{
			URL:  att.URL,
			MIME: att.Filetype,
			Size: att.Size,
		})
	}
	return env
}
