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

const (
	cloudAPIBaseURL = "https://graph.facebook.com"
	cloudAPIVersion = "v18.0"
)

// CloudAPIClient speaks the official WhatsApp Cloud API. One client serves
// every official number; per-number credentials travel with each call.
type CloudAPIClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewCloudAPIClient() *CloudAPIClient {
	return &CloudAPIClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cloudAPIBaseURL,
	}
}

// NewCloudAPIClientWithBase is used by tests to point at a local server.
func NewCloudAPIClientWithBase(baseURL string) *CloudAPIClient {
	c := NewCloudAPIClient()
	c.baseURL = baseURL
	return c
}

type cloudAPIRequest struct {
	MessagingProduct string              `json:"messaging_product"`
	RecipientType    string              `json:"recipient_type,omitempty"`
	To               string              `json:"to"`
	Type             string              `json:"type"`
	Text             *cloudText          `json:"text,omitempty"`
	Template         *cloudTemplate      `json:"template,omitempty"`
	Image            *cloudMedia         `json:"image,omitempty"`
	Document         *cloudMedia         `json:"document,omitempty"`
	Audio            *cloudMedia         `json:"audio,omitempty"`
	Video            *cloudMedia         `json:"video,omitempty"`
	Interactive      *cloudInteractive   `json:"interactive,omitempty"`
}

type cloudText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type cloudTemplate struct {
	Name       string                   `json:"name"`
	Language   cloudTemplateLanguage    `json:"language"`
	Components []cloudTemplateComponent `json:"components,omitempty"`
}

type cloudTemplateLanguage struct {
	Code string `json:"code"`
}

type cloudTemplateComponent struct {
	Type       string               `json:"type"`
	Parameters []cloudTemplateParam `json:"parameters,omitempty"`
}

type cloudTemplateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cloudMedia struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type cloudInteractive struct {
	Type   string            `json:"type"`
	Header *cloudInterText   `json:"header,omitempty"`
	Body   cloudInterText    `json:"body"`
	Action cloudInterAction  `json:"action"`
}

type cloudInterText struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

type cloudInterAction struct {
	Buttons  []cloudInterButton  `json:"buttons,omitempty"`
	Button   string              `json:"button,omitempty"`
	Sections []cloudInterSection `json:"sections,omitempty"`
}

type cloudInterButton struct {
	Type  string          `json:"type"`
	Reply cloudInterReply `json:"reply"`
}

type cloudInterReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type cloudInterSection struct {
	Title string          `json:"title,omitempty"`
	Rows  []cloudInterRow `json:"rows"`
}

type cloudInterRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type cloudAPIResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts one message to the Cloud API messages endpoint.
func (c *CloudAPIClient) Send(ctx context.Context, number *tenancy.WhatsAppNumber, msg OutboundMessage) (*SendResult, error) {
	req, err := buildCloudRequest(msg)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, pkgError.InternalError(fmt.Sprintf("marshal cloud api request: %v", err))
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, cloudAPIVersion, number.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, pkgError.InternalError(fmt.Sprintf("build cloud api request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+number.AccessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgError.UpstreamTransientError(fmt.Sprintf("cloud api unreachable: %v", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var parsed cloudAPIResponse
	_ = json.Unmarshal(respBody, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result := &SendResult{}
		if len(parsed.Messages) > 0 {
			result.ProviderMessageID = parsed.Messages[0].ID
		}
		return result, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		logrus.Warnf("[CLOUD_API] transient failure status=%d number=%s", resp.StatusCode, number.PhoneNumberID)
		return nil, pkgError.UpstreamTransientError(cloudErrorMessage(resp.StatusCode, &parsed))
	default:
		logrus.Warnf("[CLOUD_API] permanent failure status=%d number=%s", resp.StatusCode, number.PhoneNumberID)
		return nil, pkgError.UpstreamPermanentError(cloudErrorMessage(resp.StatusCode, &parsed))
	}
}

func cloudErrorMessage(status int, parsed *cloudAPIResponse) string {
	if parsed != nil && parsed.Error != nil {
		return fmt.Sprintf("cloud api %d: %s (code %d)", status, parsed.Error.Message, parsed.Error.Code)
	}
	return fmt.Sprintf("cloud api status %d", status)
}

func buildCloudRequest(msg OutboundMessage) (*cloudAPIRequest, error) {
	req := &cloudAPIRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
	}

	switch msg.Type {
	case "text":
		req.Type = "text"
		req.Text = &cloudText{Body: msg.Body}
	case "template":
		req.Type = "template"
		tpl := &cloudTemplate{
			Name:     msg.TemplateName,
			Language: cloudTemplateLanguage{Code: msg.TemplateLanguage},
		}
		if len(msg.TemplateParams) > 0 {
			comp := cloudTemplateComponent{Type: "body"}
			for _, p := range msg.TemplateParams {
				comp.Parameters = append(comp.Parameters, cloudTemplateParam{Type: "text", Text: p})
			}
			tpl.Components = []cloudTemplateComponent{comp}
		}
		req.Template = tpl
	case "image":
		req.Type = "image"
		req.Image = &cloudMedia{Link: msg.MediaURL, Caption: msg.Caption}
	case "document":
		req.Type = "document"
		req.Document = &cloudMedia{Link: msg.MediaURL, Caption: msg.Caption, Filename: msg.Filename}
	case "audio":
		req.Type = "audio"
		req.Audio = &cloudMedia{Link: msg.MediaURL}
	case "video":
		req.Type = "video"
		req.Video = &cloudMedia{Link: msg.MediaURL, Caption: msg.Caption}
	case "interactive_buttons":
		if len(msg.Buttons) == 0 || len(msg.Buttons) > 3 {
			return nil, pkgError.ValidationError("interactive buttons require 1 to 3 options")
		}
		req.Type = "interactive"
		inter := &cloudInteractive{
			Type: "button",
			Body: cloudInterText{Text: msg.InteractiveBody},
		}
		for _, b := range msg.Buttons {
			inter.Action.Buttons = append(inter.Action.Buttons, cloudInterButton{
				Type:  "reply",
				Reply: cloudInterReply{ID: b.ID, Title: b.Title},
			})
		}
		req.Interactive = inter
	case "interactive_list":
		if len(msg.ListSections) == 0 {
			return nil, pkgError.ValidationError("interactive list requires at least one section")
		}
		req.Type = "interactive"
		inter := &cloudInteractive{
			Type: "list",
			Body: cloudInterText{Text: msg.InteractiveBody},
			Action: cloudInterAction{
				Button: msg.ListButtonText,
			},
		}
		if msg.ListHeader != "" {
			inter.Header = &cloudInterText{Type: "text", Text: msg.ListHeader}
		}
		for _, s := range msg.ListSections {
			sec := cloudInterSection{Title: s.Title}
			for _, r := range s.Rows {
				sec.Rows = append(sec.Rows, cloudInterRow{ID: r.ID, Title: r.Title, Description: r.Description})
			}
			inter.Action.Sections = append(inter.Action.Sections, sec)
		}
		req.Interactive = inter
	default:
		return nil, pkgError.ValidationError(fmt.Sprintf("unsupported message type for cloud api: %s", msg.Type))
	}

	return req, nil
}
