package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"inbox-pipeline/internal/apperr"

	"github.com/google/uuid"
)

// SlackFile is a file shared into a channel the app is a member of.
type SlackFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Mimetype    string `json:"mimetype"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"url_private_download"`
	User        string `json:"-"`
	Channel     string `json:"-"`
}

// SlackEvent is the subset of the Events API envelope the inbox uses.
type SlackEvent struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type    string      `json:"type"`
		User    string      `json:"user"`
		Channel string      `json:"channel"`
		Files   []SlackFile `json:"files"`
	} `json:"event"`
}

// ParseSlackEvent decodes an Events API request. URL verification requests carry
// only a challenge.
func ParseSlackEvent(body []byte) (*SlackEvent, []SlackFile, error) {
	var ev SlackEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, nil, apperr.Validation("parse slack event", err)
	}
	if ev.Type != "event_callback" || ev.Event.Type != "message" {
		return &ev, nil, nil
	}

	files := make([]SlackFile, 0, len(ev.Event.Files))
	for _, f := range ev.Event.Files {
		if f.DownloadURL == "" {
			continue
		}
		f.User = ev.Event.User
		f.Channel = ev.Event.Channel
		files = append(files, f)
	}
	return &ev, files, nil
}

// Slack downloads private files with the bot token.
type Slack struct {
	dl    *Downloader
	token string
}

func NewSlack(dl *Downloader, token string) *Slack {
	return &Slack{dl: dl, token: token}
}

func (s *Slack) Fetch(ctx context.Context, teamID uuid.UUID, f SlackFile) (*Attachment, error) {
	if s.token == "" {
		return nil, apperr.Unauthorized("slack download", fmt.Errorf("no bot token configured"))
	}
	if f.Size > s.dl.maxSize {
		return nil, apperr.Validationf("slack download", "file %s exceeds %dMB", f.ID, s.dl.maxSize/1024/1024)
	}

	file, err := s.dl.get(ctx, "slack download", f.DownloadURL, s.token)
	if err != nil {
		return nil, err
	}

	mime := firstNonEmpty(f.Mimetype, file.contentType)
	name := WithExtension(SanitizeFileName(firstNonEmpty(f.Name, "slack_"+shortID(f.ID))), DetectMimetype(file.data, mime))

	return &Attachment{
		TeamID:      teamID,
		Data:        file.data,
		Mimetype:    mime,
		Filename:    name,
		ReferenceID: fmt.Sprintf("slack_%s_%s", f.ID, name),
		SourceMetadata: map[string]any{
			"source":  "slack",
			"user":    f.User,
			"channel": f.Channel,
		},
	}, nil
}
