package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"inbox-pipeline/internal/apperr"

	"github.com/google/uuid"
)

// WhatsAppMedia is a document or image message received on the business number.
type WhatsAppMedia struct {
	PhoneNumber string
	MessageID   string
	MediaID     string
	MimeType    string
	Filename    string
	Caption     string
}

type whatsAppWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From     string `json:"from"`
					ID       string `json:"id"`
					Type     string `json:"type"`
					Document *struct {
						ID       string `json:"id"`
						MimeType string `json:"mime_type"`
						Filename string `json:"filename"`
						Caption  string `json:"caption"`
					} `json:"document"`
					Image *struct {
						ID       string `json:"id"`
						MimeType string `json:"mime_type"`
						Caption  string `json:"caption"`
					} `json:"image"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWhatsAppWebhook returns the media messages of a Cloud API webhook body. Text
// messages and status updates are ignored.
func ParseWhatsAppWebhook(body []byte) ([]WhatsAppMedia, error) {
	var hook whatsAppWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, apperr.Validation("parse whatsapp webhook", err)
	}

	var out []WhatsAppMedia
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				switch {
				case msg.Document != nil:
					out = append(out, WhatsAppMedia{
						PhoneNumber: msg.From,
						MessageID:   msg.ID,
						MediaID:     msg.Document.ID,
						MimeType:    msg.Document.MimeType,
						Filename:    msg.Document.Filename,
						Caption:     msg.Document.Caption,
					})
				case msg.Image != nil:
					out = append(out, WhatsAppMedia{
						PhoneNumber: msg.From,
						MessageID:   msg.ID,
						MediaID:     msg.Image.ID,
						MimeType:    msg.Image.MimeType,
						Caption:     msg.Image.Caption,
					})
				}
			}
		}
	}
	return out, nil
}

// WhatsApp downloads media through the Graph API.
type WhatsApp struct {
	dl       *Downloader
	graphURL string
	token    string
}

func NewWhatsApp(dl *Downloader, graphURL, token string) *WhatsApp {
	return &WhatsApp{dl: dl, graphURL: strings.TrimRight(graphURL, "/"), token: token}
}

// Fetch resolves the media URL and downloads the file.
func (w *WhatsApp) Fetch(ctx context.Context, teamID uuid.UUID, m WhatsAppMedia) (*Attachment, error) {
	if w.token == "" {
		return nil, apperr.Unauthorized("whatsapp media", fmt.Errorf("no access token configured"))
	}

	var media struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := w.dl.getJSON(ctx, "whatsapp media lookup", w.graphURL+"/"+url.PathEscape(m.MediaID), w.token, &media); err != nil {
		return nil, err
	}
	if media.URL == "" {
		return nil, apperr.NotFound("whatsapp media lookup", fmt.Errorf("media %s has no url", m.MediaID))
	}

	file, err := w.dl.get(ctx, "whatsapp media download", media.URL, w.token)
	if err != nil {
		return nil, err
	}

	mime := firstNonEmpty(m.MimeType, media.MimeType, file.contentType)
	name := m.Filename
	if name == "" {
		name = "whatsapp_" + shortID(m.MediaID)
	}
	name = WithExtension(SanitizeFileName(name), DetectMimetype(file.data, mime))

	return &Attachment{
		TeamID:      teamID,
		Data:        file.data,
		Mimetype:    mime,
		Filename:    name,
		ReferenceID: fmt.Sprintf("whatsapp_%s_%s", m.MediaID, name),
		SourceMetadata: map[string]any{
			"source":      "whatsapp",
			"phoneNumber": m.PhoneNumber,
			"messageId":   m.MessageID,
			"caption":     m.Caption,
		},
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
