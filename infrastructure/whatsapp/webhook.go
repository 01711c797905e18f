package whatsapp

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
)

// InboundEvent is the channel-neutral form of one received user message.
// Adapters normalize their webhook payloads into this before anything in the
// core sees them.
type InboundEvent struct {
	PhoneNumberID     string // official routing key
	EvolutionInstance string // qrcode routing key
	From              string // sender phone, digits only
	ContactName       string
	ProviderMessageID string
	Timestamp         time.Time
	Type              string // text, image, audio, video, document, interactive_reply, unsupported
	Text              string
	ReplyID           string // selected button/list row id
	MediaID           string
	MediaURL          string
	MimeType          string
	Caption           string
}

// StatusEvent is a delivery-status callback for a previously sent message.
type StatusEvent struct {
	PhoneNumberID     string
	ProviderMessageID string
	Status            string // sent, delivered, read, failed
	Timestamp         time.Time
	RecipientID       string
	ErrorCode         int
	ErrorMessage      string
}

type cloudWebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text"`
					Interactive *struct {
						Type        string `json:"type"`
						ButtonReply *struct {
							ID    string `json:"id"`
							Title string `json:"title"`
						} `json:"button_reply"`
						ListReply *struct {
							ID    string `json:"id"`
							Title string `json:"title"`
						} `json:"list_reply"`
					} `json:"interactive"`
					Image    *cloudInboundMedia `json:"image"`
					Audio    *cloudInboundMedia `json:"audio"`
					Video    *cloudInboundMedia `json:"video"`
					Document *cloudInboundMedia `json:"document"`
					Button   *struct {
						Payload string `json:"payload"`
						Text    string `json:"text"`
					} `json:"button"`
				} `json:"messages"`
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					Timestamp   string `json:"timestamp"`
					RecipientID string `json:"recipient_id"`
					Errors      []struct {
						Code  int    `json:"code"`
						Title string `json:"title"`
					} `json:"errors"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudInboundMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

// ParseCloudWebhook normalizes one official webhook delivery. A single
// delivery can batch multiple messages and statuses.
func ParseCloudWebhook(body []byte) ([]InboundEvent, []StatusEvent, error) {
	var payload cloudWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, pkgError.ValidationError("malformed cloud webhook payload")
	}

	var events []InboundEvent
	var statuses []StatusEvent

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			v := change.Value

			names := map[string]string{}
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range v.Messages {
				evt := InboundEvent{
					PhoneNumberID:     v.Metadata.PhoneNumberID,
					From:              m.From,
					ContactName:       names[m.From],
					ProviderMessageID: m.ID,
					Timestamp:         parseUnixTimestamp(m.Timestamp),
				}
				switch m.Type {
				case "text":
					evt.Type = "text"
					if m.Text != nil {
						evt.Text = m.Text.Body
					}
				case "interactive":
					evt.Type = "interactive_reply"
					if m.Interactive != nil {
						if m.Interactive.ButtonReply != nil {
							evt.ReplyID = m.Interactive.ButtonReply.ID
							evt.Text = m.Interactive.ButtonReply.Title
						} else if m.Interactive.ListReply != nil {
							evt.ReplyID = m.Interactive.ListReply.ID
							evt.Text = m.Interactive.ListReply.Title
						}
					}
				case "button":
					evt.Type = "interactive_reply"
					if m.Button != nil {
						evt.ReplyID = m.Button.Payload
						evt.Text = m.Button.Text
					}
				case "image", "audio", "video", "document":
					evt.Type = m.Type
					media := m.Image
					if media == nil {
						media = m.Audio
					}
					if media == nil {
						media = m.Video
					}
					if media == nil {
						media = m.Document
					}
					if media != nil {
						evt.MediaID = media.ID
						evt.MimeType = media.MimeType
						evt.Caption = media.Caption
					}
				default:
					evt.Type = "unsupported"
				}
				events = append(events, evt)
			}

			for _, s := range v.Statuses {
				st := StatusEvent{
					PhoneNumberID:     v.Metadata.PhoneNumberID,
					ProviderMessageID: s.ID,
					Status:            s.Status,
					Timestamp:         parseUnixTimestamp(s.Timestamp),
					RecipientID:       s.RecipientID,
				}
				if len(s.Errors) > 0 {
					st.ErrorCode = s.Errors[0].Code
					st.ErrorMessage = s.Errors[0].Title
				}
				statuses = append(statuses, st)
			}
		}
	}

	return events, statuses, nil
}

type evolutionWebhookPayload struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage *struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
		MessageTimestamp int64 `json:"messageTimestamp"`
	} `json:"data"`
}

// ParseEvolutionWebhook normalizes one Evolution callback. Echoes of our own
// sends (fromMe) and non-message events return no event.
func ParseEvolutionWebhook(body []byte) (*InboundEvent, error) {
	var payload evolutionWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, pkgError.ValidationError("malformed evolution webhook payload")
	}

	if payload.Event != "messages.upsert" || payload.Data.Key.FromMe {
		return nil, nil
	}

	text := payload.Data.Message.Conversation
	if text == "" && payload.Data.Message.ExtendedTextMessage != nil {
		text = payload.Data.Message.ExtendedTextMessage.Text
	}

	evt := &InboundEvent{
		EvolutionInstance: payload.Instance,
		From:              strings.SplitN(payload.Data.Key.RemoteJID, "@", 2)[0],
		ContactName:       payload.Data.PushName,
		ProviderMessageID: payload.Data.Key.ID,
		Timestamp:         time.Unix(payload.Data.MessageTimestamp, 0).UTC(),
		Type:              "text",
		Text:              text,
	}
	if text == "" {
		evt.Type = "unsupported"
	}
	return evt, nil
}

func parseUnixTimestamp(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(n, 0).UTC()
}
