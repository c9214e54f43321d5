package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/models"
	"inbox-pipeline/pkg/config"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const gmailUser = "me"

var gmailScopes = []string{
	gmail.GmailReadonlyScope,
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
}

// freeMailDomains never identify a vendor.
var freeMailDomains = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "outlook.com": true, "hotmail.com": true,
	"live.com": true, "yahoo.com": true, "icloud.com": true, "me.com": true, "proton.me": true,
}

// AttachmentRef describes a mailbox attachment before its bytes are fetched.
type AttachmentRef struct {
	MessageID    string
	AttachmentID string
	Filename     string
	Mimetype     string
	Size         int64
	SenderEmail  string
	Subject      string
	ReceivedAt   time.Time
}

// ReferenceID is stable across syncs of the same mailbox.
func (r *AttachmentRef) ReferenceID() string {
	return r.MessageID + "_" + r.AttachmentID
}

// SenderDomain is the lowercased domain part of the sender address.
func (r *AttachmentRef) SenderDomain() string {
	if i := strings.LastIndexByte(r.SenderEmail, '@'); i >= 0 {
		return r.SenderEmail[i+1:]
	}
	return ""
}

// Mailbox is an authenticated session on one connected account.
type Mailbox interface {
	List(ctx context.Context, since *time.Time) ([]*AttachmentRef, error)
	Download(ctx context.Context, ref *AttachmentRef) (*Attachment, error)
	// Token returns the current credentials, refreshed if they expired during the
	// session.
	Token() (*oauth2.Token, error)
}

// GmailProvider opens Gmail sessions for connected accounts.
type GmailProvider struct {
	oauth      *oauth2.Config
	limiter    *RateLimiter
	maxResults int64
	endpoint   string
	logger     *zap.Logger
}

func NewGmailProvider(cfg config.GmailConfig, maxResults int, logger *zap.Logger) *GmailProvider {
	if maxResults <= 0 {
		maxResults = 50
	}
	return &GmailProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       gmailScopes,
			Endpoint:     google.Endpoint,
		},
		limiter:    NewRateLimiter(cfg.RatePerSec, 5),
		maxResults: int64(maxResults),
		logger:     logger,
	}
}

// AuthURL is the consent page that yields an offline refresh token.
func (g *GmailProvider) AuthURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (g *GmailProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for tokens: %w", err)
	}
	return tok, nil
}

func (g *GmailProvider) Open(ctx context.Context, account *models.InboxAccount) (Mailbox, error) {
	if account.Provider != models.ProviderGmail {
		return nil, apperr.Validationf("open mailbox", "unsupported provider %q", account.Provider)
	}
	if account.AccessToken == "" && account.RefreshToken == "" {
		return nil, apperr.Unauthorized("open mailbox", errors.New("account has no credentials"))
	}

	tok := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		TokenType:    "Bearer",
	}
	if account.ExpiryDate != nil {
		tok.Expiry = *account.ExpiryDate
	}
	ts := g.oauth.TokenSource(ctx, tok)

	opts := []option.ClientOption{
		option.WithHTTPClient(&http.Client{Transport: &oauth2.Transport{Source: ts}}),
	}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	return &gmailMailbox{
		svc:      svc,
		ts:       ts,
		account:  account,
		provider: g,
	}, nil
}

type gmailMailbox struct {
	svc      *gmail.Service
	ts       oauth2.TokenSource
	account  *models.InboxAccount
	provider *GmailProvider
}

func (m *gmailMailbox) Token() (*oauth2.Token, error) {
	return m.ts.Token()
}

// List returns attachments of messages received after since, newest first, up to
// the provider's result cap.
func (m *gmailMailbox) List(ctx context.Context, since *time.Time) ([]*AttachmentRef, error) {
	query := "has:attachment -in:chats"
	if since != nil {
		query += fmt.Sprintf(" after:%d", since.Unix())
	}

	var ids []string
	pageToken := ""
	for int64(len(ids)) < m.provider.maxResults {
		if err := m.provider.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		call := m.svc.Users.Messages.List(gmailUser).Q(query).MaxResults(m.provider.maxResults - int64(len(ids)))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, m.wrap("list messages", err)
		}
		for _, msg := range resp.Messages {
			ids = append(ids, msg.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	var refs []*AttachmentRef
	for _, id := range ids {
		if err := m.provider.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		msg, err := m.svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
		if err != nil {
			if apperr.Classify(err) == apperr.CategoryNotFound {
				m.provider.logger.Warn("Message vanished during sync", zap.String("message_id", id))
				continue
			}
			return nil, m.wrap("get message", err)
		}
		refs = append(refs, messageAttachments(msg)...)
	}
	return refs, nil
}

func (m *gmailMailbox) Download(ctx context.Context, ref *AttachmentRef) (*Attachment, error) {
	if err := m.provider.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := apperr.WithTimeout(ctx, apperr.TimeoutFileTransfer, "gmail attachment", func(ctx context.Context) (*gmail.MessagePartBody, error) {
		return m.svc.Users.Messages.Attachments.Get(gmailUser, ref.MessageID, ref.AttachmentID).Context(ctx).Do()
	})
	if err != nil {
		return nil, m.wrap("get attachment", err)
	}

	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, apperr.Validation("decode attachment", err)
	}

	a := &Attachment{
		TeamID:         m.account.TeamID,
		Data:           data,
		Mimetype:       ref.Mimetype,
		Filename:       ref.Filename,
		ReferenceID:    ref.ReferenceID(),
		InboxAccountID: &m.account.ID,
		SourceMetadata: map[string]any{
			"source":    "gmail",
			"messageId": ref.MessageID,
			"subject":   ref.Subject,
		},
	}
	if ref.SenderEmail != "" {
		sender := ref.SenderEmail
		a.SenderEmail = &sender
		if domain := ref.SenderDomain(); domain != "" && !freeMailDomains[domain] {
			a.Website = &domain
		}
	}
	return a, nil
}

func (m *gmailMailbox) wrap(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && apperr.Classify(gerr) == apperr.CategoryRateLimit {
		wait := retryAfter(gerr.Header.Get("Retry-After"))
		m.provider.limiter.Backoff(wait)
		return apperr.RateLimited(op, wait)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// messageAttachments walks the MIME tree and keeps document parts.
func messageAttachments(msg *gmail.Message) []*AttachmentRef {
	if msg.Payload == nil {
		return nil
	}

	var from, subject string
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			from = h.Value
		case "subject":
			subject = h.Value
		}
	}
	sender := ""
	if addr, err := mail.ParseAddress(from); err == nil {
		sender = strings.ToLower(addr.Address)
	}
	received := time.UnixMilli(msg.InternalDate)

	var refs []*AttachmentRef
	var walk func(parts []*gmail.MessagePart)
	walk = func(parts []*gmail.MessagePart) {
		for _, p := range parts {
			if p.Filename != "" && p.Body != nil && p.Body.AttachmentId != "" && isDocumentType(p.MimeType, p.Filename) {
				refs = append(refs, &AttachmentRef{
					MessageID:    msg.Id,
					AttachmentID: p.Body.AttachmentId,
					Filename:     p.Filename,
					Mimetype:     strings.ToLower(p.MimeType),
					Size:         p.Body.Size,
					SenderEmail:  sender,
					Subject:      subject,
					ReceivedAt:   received,
				})
			}
			walk(p.Parts)
		}
	}
	walk([]*gmail.MessagePart{msg.Payload})
	return refs
}

func isDocumentType(mime, filename string) bool {
	mime = strings.ToLower(mime)
	if mime == "application/pdf" || strings.HasPrefix(mime, "image/") {
		return true
	}
	// some clients send everything as octet-stream
	return mime == "application/octet-stream" && strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

func decodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
