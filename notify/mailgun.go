package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mailer sends operational email through Mailgun. A zero-config Mailer
// is disabled and drops messages silently.
type Mailer struct {
	apiKey    string
	domain    string
	recipient string
	baseURL   string
	http      *http.Client
}

// Options configures a Mailer.
type Options struct {
	APIKey    string
	Domain    string
	Recipient string
	BaseURL   string
	HTTP      *http.Client
}

func NewMailer(opts Options) *Mailer {
	base := opts.BaseURL
	if base == "" {
		base = "https://api.mailgun.net"
	}
	client := opts.HTTP
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Mailer{
		apiKey:    opts.APIKey,
		domain:    opts.Domain,
		recipient: opts.Recipient,
		baseURL:   strings.TrimRight(base, "/"),
		http:      client,
	}
}

// Enabled reports whether the mailer has enough config to send.
func (m *Mailer) Enabled() bool {
	return m.apiKey != "" && m.domain != "" && m.recipient != ""
}

// Send posts one message. Disabled mailers return nil.
func (m *Mailer) Send(ctx context.Context, subject, body string, highPriority bool) error {
	if !m.Enabled() {
		return nil
	}

	form := url.Values{}
	form.Set("from", fmt.Sprintf("Limitless Sync <sync@%s>", m.domain))
	form.Set("to", m.recipient)
	form.Set("subject", subject)
	form.Set("text", body)
	if highPriority {
		form.Set("h:X-Priority", "1")
		form.Set("h:Importance", "high")
	}

	endpoint := m.baseURL + "/v3/" + m.domain + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth("api", m.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mailgun status %d", resp.StatusCode)
	}
	return nil
}
