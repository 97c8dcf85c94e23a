package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"ledgerchat/internal/config"
	"ledgerchat/internal/service/ai"
)

// MaxMediaBytes caps a fetched inbound photo.
const MaxMediaBytes = 10 << 20

// TwilioSender sends WhatsApp messages through the Twilio Messages API.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
}

func NewTwilioSender(cfg config.TwilioConfig) *TwilioSender {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &TwilioSender{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       WhatsAppAddress(cfg.FromNumber),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type twilioMessageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts one message.
func (t *TwilioSender) Send(ctx context.Context, to, body, mediaURL string) error {
	form := url.Values{}
	form.Set("To", WhatsAppAddress(to))
	form.Set("From", t.from)
	form.Set("Body", body)
	if mediaURL != "" {
		form.Set("MediaUrl", mediaURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, url.PathEscape(t.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var apiErr twilioMessageResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("twilio API error (status %d, code %d): %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("twilio API error (status %d): %s", resp.StatusCode, string(data))
	}
	return nil
}

// TwilioMedia downloads inbound media, which Twilio protects with account basic auth.
type TwilioMedia struct {
	accountSID string
	authToken  string
	httpClient *http.Client
}

func NewTwilioMedia(cfg config.TwilioConfig) *TwilioMedia {
	return &TwilioMedia{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads one media item.
func (m *TwilioMedia) Fetch(ctx context.Context, mediaURL string) (*ai.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create media request: %w", err)
	}
	if m.accountSID != "" {
		req.SetBasicAuth(m.accountSID, m.authToken)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if len(data) > MaxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", MaxMediaBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("media is empty")
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return &ai.Image{Data: data, MIMEType: mimeType}, nil
}

// Inbound is one webhook delivery from Twilio.
type Inbound struct {
	From       string
	Body       string
	NumMedia   int
	MediaURL   string
	MediaType  string
	MessageSID string
}

// ParseInbound reads the fields we use from the webhook form.
func ParseInbound(form url.Values) Inbound {
	n, _ := strconv.Atoi(strings.TrimSpace(form.Get("NumMedia")))
	return Inbound{
		From:       strings.TrimSpace(form.Get("From")),
		Body:       strings.TrimSpace(form.Get("Body")),
		NumMedia:   n,
		MediaURL:   form.Get("MediaUrl0"),
		MediaType:  form.Get("MediaContentType0"),
		MessageSID: form.Get("MessageSid"),
	}
}

// Signature computes the X-Twilio-Signature for a POST to fullURL with params.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether signature matches the request.
func ValidSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := Signature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
