package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"inbox-pipeline/internal/apperr"

	"github.com/google/uuid"
)

// TelegramFile is a document or photo sent to the bot.
type TelegramFile struct {
	ChatID       int64
	MessageID    int64
	FileID       string
	FileUniqueID string
	MimeType     string
	Filename     string
	Caption      string
}

type telegramUpdate struct {
	Message *struct {
		MessageID int64 `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Caption  string `json:"caption"`
		Document *struct {
			FileID       string `json:"file_id"`
			FileUniqueID string `json:"file_unique_id"`
			FileName     string `json:"file_name"`
			MimeType     string `json:"mime_type"`
		} `json:"document"`
		Photo []struct {
			FileID       string `json:"file_id"`
			FileUniqueID string `json:"file_unique_id"`
			FileSize     int64  `json:"file_size"`
		} `json:"photo"`
	} `json:"message"`
}

// ParseTelegramUpdate returns the file carried by a bot update, or nil when the
// update has none.
func ParseTelegramUpdate(body []byte) (*TelegramFile, error) {
	var upd telegramUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, apperr.Validation("parse telegram update", err)
	}
	msg := upd.Message
	if msg == nil {
		return nil, nil
	}

	f := &TelegramFile{ChatID: msg.Chat.ID, MessageID: msg.MessageID, Caption: msg.Caption}
	switch {
	case msg.Document != nil:
		f.FileID = msg.Document.FileID
		f.FileUniqueID = msg.Document.FileUniqueID
		f.Filename = msg.Document.FileName
		f.MimeType = msg.Document.MimeType
	case len(msg.Photo) > 0:
		// sizes are listed ascending
		largest := msg.Photo[len(msg.Photo)-1]
		f.FileID = largest.FileID
		f.FileUniqueID = largest.FileUniqueID
		f.MimeType = "image/jpeg"
	default:
		return nil, nil
	}
	return f, nil
}

// Telegram downloads files through the Bot API.
type Telegram struct {
	dl     *Downloader
	apiURL string
	token  string
}

func NewTelegram(dl *Downloader, apiURL, token string) *Telegram {
	return &Telegram{dl: dl, apiURL: strings.TrimRight(apiURL, "/"), token: token}
}

func (t *Telegram) Fetch(ctx context.Context, teamID uuid.UUID, f TelegramFile) (*Attachment, error) {
	if t.token == "" {
		return nil, apperr.Unauthorized("telegram getFile", fmt.Errorf("no bot token configured"))
	}

	var res struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
	}
	getFile := fmt.Sprintf("%s/bot%s/getFile?file_id=%s", t.apiURL, t.token, url.QueryEscape(f.FileID))
	if err := t.dl.getJSON(ctx, "telegram getFile", getFile, "", &res); err != nil {
		return nil, err
	}
	if !res.OK || res.Result.FilePath == "" {
		return nil, apperr.NotFound("telegram getFile", fmt.Errorf("file %s: %s", f.FileID, res.Description))
	}

	file, err := t.dl.get(ctx, "telegram download", fmt.Sprintf("%s/file/bot%s/%s", t.apiURL, t.token, res.Result.FilePath), "")
	if err != nil {
		return nil, err
	}

	mime := firstNonEmpty(f.MimeType, file.contentType)
	name := firstNonEmpty(f.Filename, path.Base(res.Result.FilePath), "telegram_"+shortID(f.FileUniqueID))
	name = WithExtension(SanitizeFileName(name), DetectMimetype(file.data, mime))

	return &Attachment{
		TeamID:      teamID,
		Data:        file.data,
		Mimetype:    mime,
		Filename:    name,
		ReferenceID: fmt.Sprintf("telegram_%s_%s", f.FileUniqueID, name),
		SourceMetadata: map[string]any{
			"source":    "telegram",
			"chatId":    f.ChatID,
			"messageId": f.MessageID,
			"caption":   f.Caption,
		},
	}, nil
}
