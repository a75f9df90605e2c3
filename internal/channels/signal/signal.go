// Package signal connects the gateway to Signal through a signal-cli
// REST bridge: inbound envelopes arrive over the bridge's receive
// websocket, outbound messages go through its send endpoint with
// native text-style ranges.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/markdown"
)

const (
	// textLimit keeps chunks comfortably under Signal's envelope cap.
	textLimit = 2000

	sendTimeout   = 15 * time.Second
	reconnectBase = 2 * time.Second
	reconnectMax  = 60 * time.Second
)

// Plugin implements the Signal channel.
type Plugin struct {
	channels.BasePlugin
}

// New creates the Signal plugin.
func New() *Plugin {
	return &Plugin{
		BasePlugin: channels.BasePlugin{
			PluginID:        "signal",
			PluginMeta:      channels.Meta{Label: "Signal", Order: 20},
			DefaultDMPolicy: channels.DMPolicyPairing,
			PluginCaps: channels.Capabilities{
				ChatTypes:      []bus.ChatType{bus.ChatDirect, bus.ChatGroup},
				Media:          true,
				Reactions:      true,
				Threads:        false,
				BlockStreaming: true,
			},
		},
	}
}

// IsConfigured needs a bridge endpoint and a registered number rather
// than a bot token.
func (p *Plugin) IsConfigured(cfg *config.Config) bool {
	cc := cfg.Channels.Channel(p.PluginID)
	if cc == nil || !cc.Enabled {
		return false
	}
	for _, id := range cc.ListAccountIDs() {
		acct := cc.ResolveAccount(id)
		if acct.Endpoint != "" && config.ResolveBotID(p.PluginID, id, acct) != "" {
			return true
		}
	}
	return false
}

// receiveEnvelope is one frame from the bridge's receive socket.
type receiveEnvelope struct {
	Envelope struct {
		Source      string `json:"source"`
		SourceName  string `json:"sourceName,omitempty"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message   string `json:"message"`
			Timestamp int64  `json:"timestamp"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
				Name    string `json:"name,omitempty"`
			} `json:"groupInfo,omitempty"`
			Attachments []struct {
				ID          string `json:"id"`
				ContentType string `json:"contentType,omitempty"`
				Size        int64  `json:"size,omitempty"`
			} `json:"attachments,omitempty"`
		} `json:"dataMessage,omitempty"`
	} `json:"envelope"`
}

type sendRequest struct {
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	TextStyles []string `json:"text_styles,omitempty"`
	MediaURLs  []string `json:"media_urls,omitempty"`
}

// transport posts outbound messages to the bridge.
type transport struct {
	endpoint string // http(s) base URL
	number   string
	client   *http.Client
}

func (t *transport) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("signal bridge status %d", resp.StatusCode)
	}
	return nil
}

func (t *transport) SendText(ctx context.Context, to, text string) error {
	return t.post(ctx, "/v2/send", sendRequest{
		Number:     t.number,
		Recipients: []string{to},
		Message:    text,
	})
}

// SendStyled carries the extracted style ranges in signal-cli's
// "start:length:STYLE" form; offsets are UTF-16 code units.
func (t *transport) SendStyled(ctx context.Context, to string, msg markdown.StyledText) error {
	styles := make([]string, 0, len(msg.Ranges))
	for _, r := range msg.Ranges {
		styles = append(styles, fmt.Sprintf("%d:%d:%s", r.Start, r.Length, r.Style))
	}
	return t.post(ctx, "/v2/send", sendRequest{
		Number:     t.number,
		Recipients: []string{to},
		Message:    msg.Text,
		TextStyles: styles,
	})
}

func (t *transport) SendTyping(ctx context.Context, to string) error {
	return t.post(ctx, "/v1/typing-indicator/"+url.PathEscape(t.number), map[string]string{"recipient": to})
}

func (t *transport) SendMedia(ctx context.Context, to string, urls []string) error {
	return t.post(ctx, "/v2/send", sendRequest{
		Number:     t.number,
		Recipients: []string{to},
		Message:    strings.Join(urls, "\n"),
		MediaURLs:  urls,
	})
}

func (t *transport) TextLimit() int       { return textLimit }
func (t *transport) BlockStreaming() bool { return true }

// StartAccount connects the receive socket and pumps envelopes until
// aborted, reconnecting with backoff.
func (p *Plugin) StartAccount(sc channels.StartContext) error {
	endpoint := strings.TrimRight(sc.Account.Endpoint, "/")
	if endpoint == "" {
		return fmt.Errorf("signal: no bridge endpoint for account %s", sc.AccountID)
	}
	number := config.ResolveBotID(p.PluginID, sc.AccountID, sc.Account)
	if number == "" {
		return fmt.Errorf("signal: no registered number for account %s", sc.AccountID)
	}

	tr := &transport{
		endpoint: endpoint,
		number:   number,
		client:   &http.Client{Timeout: sendTimeout},
	}

	wsURL := "ws" + strings.TrimPrefix(endpoint, "http") + "/v1/receive/" + url.PathEscape(number)
	backoff := reconnectBase

	for {
		select {
		case <-sc.Context.Done():
			return nil
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(sc.Context, wsURL, nil)
		if err != nil {
			sc.Log.Warn("signal receive dial failed", "error", err, "retry_in", backoff)
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
		sc.Log.Info("signal receive connected", "number", number)
		sc.SetStatus(channels.StatusDelta{ClearError: true})

		stop := make(chan struct{})
		go func() {
			select {
			case <-sc.Context.Done():
				conn.Close()
			case <-stop:
			}
		}()
		p.readLoop(sc, conn, tr)
		close(stop)
		conn.Close()

		select {
		case <-sc.Context.Done():
			return nil
		default:
			sc.Log.Warn("signal receive disconnected, reconnecting")
		}
	}
}

func (p *Plugin) readLoop(sc channels.StartContext, conn *websocket.Conn, tr *transport) {
	for {
		var frame receiveEnvelope
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		dm := frame.Envelope.DataMessage
		if dm == nil || dm.Message == "" && len(dm.Attachments) == 0 {
			continue
		}

		now := bus.NowMillis()
		sc.SetStatus(channels.StatusDelta{LastInboundAt: &now})

		env := &bus.Envelope{
			Channel:   "signal",
			AccountID: sc.AccountID,
			MessageID: fmt.Sprintf("%d", dm.Timestamp),
			Timestamp: frame.Envelope.Timestamp,
			Sender:    bus.Sender{ID: frame.Envelope.Source, Name: frame.Envelope.SourceName},
			ChatType:  bus.ChatDirect,
			Text:      dm.Message,
		}
		if gi := dm.GroupInfo; gi != nil {
			env.ChatType = bus.ChatGroup
			env.GroupID = gi.GroupID
			env.GroupName = gi.Name
		}
		for _, att := range dm.Attachments {
			env.Attachments = append(env.Attachments, bus.Attachment{
				URL:  tr.endpoint + "/v1/attachments/" + url.PathEscape(att.ID),
				MIME: att.ContentType,
				Size: att.Size,
			})
		}

		go sc.Core.HandleInbound(sc.Context, env, tr)
	}
}
