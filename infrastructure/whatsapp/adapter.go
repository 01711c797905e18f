package whatsapp

import (
	"context"

	"github.com/xkayo32/pytake-sub001/tenancy"
)

// OutboundMessage is the channel-neutral payload handed to an adapter. Exactly
// one content group is set, matching the message's content type.
type OutboundMessage struct {
	To   string
	Type string

	// text
	Body string

	// template
	TemplateName     string
	TemplateLanguage string
	TemplateParams   []string

	// media
	MediaURL string
	Caption  string
	MimeType string
	Filename string

	// interactive
	InteractiveBody string
	Buttons         []Button
	ListHeader      string
	ListButtonText  string
	ListSections    []ListSection
}

// Button is one quick-reply option (max 3 on WhatsApp).
type Button struct {
	ID    string
	Title string
}

// ListSection groups rows in an interactive list message.
type ListSection struct {
	Title string
	Rows  []ListRow
}

type ListRow struct {
	ID          string
	Title       string
	Description string
}

// SendResult is what the upstream acknowledged.
type SendResult struct {
	ProviderMessageID string
}

// ChannelAdapter sends one message through one upstream. Implementations map
// upstream failures onto the error taxonomy: UpstreamTransientError for
// retriable failures (5xx, network, upstream 429), UpstreamPermanentError for
// terminal rejections (invalid recipient, rejected template).
type ChannelAdapter interface {
	Send(ctx context.Context, number *tenancy.WhatsAppNumber, msg OutboundMessage) (*SendResult, error)
}

// ForNumber returns the adapter matching the number's connection type.
type AdapterResolver struct {
	Official *CloudAPIClient
	QRCode   *EvolutionClient
}

func (r *AdapterResolver) ForNumber(number *tenancy.WhatsAppNumber) ChannelAdapter {
	if number.ConnectionType == tenancy.ConnectionQRCode {
		return r.QRCode
	}
	return r.Official
}
