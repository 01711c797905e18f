package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

// EvolutionClient speaks the Evolution API, the HTTP gateway in front of
// QR-code (WhatsApp Web protocol) sessions. Interactive and template types
// are refused upstream of any HTTP call; the flow layer degrades them first.
type EvolutionClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewEvolutionClient(baseURL string) *EvolutionClient {
	return &EvolutionClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
}

type evolutionTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type evolutionMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype,omitempty"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	FileName  string `json:"fileName,omitempty"`
}

type evolutionResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Message string `json:"message"`
}

// Send posts one message to the Evolution instance bound to the number.
func (c *EvolutionClient) Send(ctx context.Context, number *tenancy.WhatsAppNumber, msg OutboundMessage) (*SendResult, error) {
	var path string
	var payload any

	switch msg.Type {
	case "text":
		path = "/message/sendText/" + number.EvolutionInstance
		payload = evolutionTextRequest{Number: msg.To, Text: msg.Body}
	case "image", "video", "document", "audio":
		path = "/message/sendMedia/" + number.EvolutionInstance
		payload = evolutionMediaRequest{
			Number:    msg.To,
			MediaType: msg.Type,
			MimeType:  msg.MimeType,
			Media:     msg.MediaURL,
			Caption:   msg.Caption,
			FileName:  msg.Filename,
		}
	case "template", "interactive_buttons", "interactive_list":
		return nil, pkgError.ValidationError(fmt.Sprintf("message type %s is not supported on qrcode connections", msg.Type))
	default:
		return nil, pkgError.ValidationError(fmt.Sprintf("unsupported message type for evolution: %s", msg.Type))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgError.InternalError(fmt.Sprintf("marshal evolution request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, pkgError.InternalError(fmt.Sprintf("build evolution request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("apikey", number.EvolutionAPIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgError.UpstreamTransientError(fmt.Sprintf("evolution unreachable: %v", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var parsed evolutionResponse
	_ = json.Unmarshal(respBody, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &SendResult{ProviderMessageID: parsed.Key.ID}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		logrus.Warnf("[EVOLUTION] transient failure status=%d instance=%s", resp.StatusCode, number.EvolutionInstance)
		return nil, pkgError.UpstreamTransientError(fmt.Sprintf("evolution status %d: %s", resp.StatusCode, parsed.Message))
	default:
		logrus.Warnf("[EVOLUTION] permanent failure status=%d instance=%s", resp.StatusCode, number.EvolutionInstance)
		return nil, pkgError.UpstreamPermanentError(fmt.Sprintf("evolution status %d: %s", resp.StatusCode, parsed.Message))
	}
}
