package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// defaultListSize bounds listings when the caller does not.
const defaultListSize = 10

// Gmail implements Provider against the Gmail REST API.
//
// Idempotent send: Gmail has no native idempotency, so the adapter stamps each
// outbound message with an X-Idempotency-Key header and remembers honored keys
// in process. A redelivered scheduled send within the same daemon lifetime is
// detected as a duplicate; across restarts the header at least leaves an audit
// trail in the sent message itself.
type Gmail struct {
	client  *http.Client
	baseURL string

	mu       sync.Mutex
	sentKeys map[string]SendResult
}

// GmailOption configures the adapter.
type GmailOption func(*Gmail)

// WithBaseURL overrides the API endpoint, for tests.
func WithBaseURL(u string) GmailOption {
	return func(g *Gmail) {
		if u != "" {
			g.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// NewGmail creates an adapter over an authenticated HTTP client.
func NewGmail(client *http.Client, opts ...GmailOption) *Gmail {
	g := &Gmail{
		client:   client,
		baseURL:  gmailBaseURL,
		sentKeys: make(map[string]SendResult),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewGmailFromToken creates an adapter from OAuth2 credentials. The returned
// client refreshes the access token automatically.
func NewGmailFromToken(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token, opts ...GmailOption) *Gmail {
	return NewGmail(cfg.Client(ctx, token), opts...)
}

func (g *Gmail) List(ctx context.Context, q ListQuery) ([]Summary, error) {
	max := q.MaxResults
	if max <= 0 {
		max = defaultListSize
	}
	params := url.Values{}
	params.Set("maxResults", fmt.Sprint(max))
	label := q.Label
	if label == "" {
		label = "INBOX"
	}
	params.Add("labelIds", label)
	if q.UnreadOnly {
		params.Add("labelIds", "UNREAD")
	}
	return g.listMessages(ctx, "list", params)
}

func (g *Gmail) Search(ctx context.Context, query string, maxResults int) ([]Summary, error) {
	if maxResults <= 0 {
		maxResults = defaultListSize
	}
	params := url.Values{}
	params.Set("maxResults", fmt.Sprint(maxResults))
	params.Set("q", query)
	return g.listMessages(ctx, "search", params)
}

func (g *Gmail) listMessages(ctx context.Context, op string, params url.Values) ([]Summary, error) {
	var listResp struct {
		Messages []struct {
			ID       string `json:"id"`
			ThreadID string `json:"threadId"`
		} `json:"messages"`
	}
	if err := g.get(ctx, op, "/messages?"+params.Encode(), &listResp); err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(listResp.Messages))
	for _, m := range listResp.Messages {
		var msg gmailMessage
		path := "/messages/" + url.PathEscape(m.ID) + "?format=metadata" +
			"&metadataHeaders=From&metadataHeaders=To&metadataHeaders=Subject&metadataHeaders=Date"
		if err := g.get(ctx, op, path, &msg); err != nil {
			return nil, err
		}
		summaries = append(summaries, msg.summary())
	}
	return summaries, nil
}

func (g *Gmail) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var resp struct {
		ID       string         `json:"id"`
		Messages []gmailMessage `json:"messages"`
	}
	if err := g.get(ctx, "get_thread", "/threads/"+url.PathEscape(threadID)+"?format=full", &resp); err != nil {
		return nil, err
	}

	thread := &Thread{ID: resp.ID}
	for _, m := range resp.Messages {
		thread.Messages = append(thread.Messages, ThreadMessage{
			ID:      m.ID,
			From:    m.header("From"),
			To:      splitAddresses(m.header("To")),
			Cc:      splitAddresses(m.header("Cc")),
			Subject: m.header("Subject"),
			Body:    m.plainBody(),
			Date:    m.date(),
		})
	}
	return thread, nil
}

func (g *Gmail) Send(ctx context.Context, msg Outbound) (*SendResult, error) {
	if msg.IdempotencyKey != "" {
		g.mu.Lock()
		if prior, ok := g.sentKeys[msg.IdempotencyKey]; ok {
			g.mu.Unlock()
			dup := prior
			dup.Duplicate = true
			return &dup, nil
		}
		g.mu.Unlock()
	}

	raw, err := buildRFC2822(msg)
	if err != nil {
		return nil, &ProviderError{Op: "send", Message: "build message", Cause: err}
	}

	body := map[string]string{
		"raw": base64.URLEncoding.EncodeToString(raw),
	}
	if msg.ThreadID != "" {
		body["threadId"] = msg.ThreadID
	}
	var resp struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := g.post(ctx, "send", "/messages/send", body, &resp); err != nil {
		return nil, err
	}

	result := SendResult{MessageID: resp.ID, ThreadID: resp.ThreadID}
	if msg.IdempotencyKey != "" {
		g.mu.Lock()
		g.sentKeys[msg.IdempotencyKey] = result
		g.mu.Unlock()
	}
	return &result, nil
}

func (g *Gmail) ModifyLabels(ctx context.Context, messageID string, add, remove []string) error {
	body := map[string][]string{}
	if len(add) > 0 {
		body["addLabelIds"] = add
	}
	if len(remove) > 0 {
		body["removeLabelIds"] = remove
	}
	return g.post(ctx, "modify", "/messages/"+url.PathEscape(messageID)+"/modify", body, nil)
}

func (g *Gmail) get(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return &ProviderError{Op: op, Message: "build request", Cause: err}
	}
	return g.do(op, req, out)
}

func (g *Gmail) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Op: op, Message: "encode request", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &ProviderError{Op: op, Message: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(op, req, out)
}

func (g *Gmail) do(op string, req *http.Request, out any) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return &ProviderError{Op: op, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: "not found", Cause: ErrMessageNotFound}
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Op: op, Message: "decode response", Cause: err}
	}
	return nil
}

// gmailMessage is the subset of the Gmail message resource the adapter reads.
type gmailMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	Snippet  string   `json:"snippet"`
	LabelIDs []string `json:"labelIds"`
	Payload  struct {
		MimeType string        `json:"mimeType"`
		Headers  []gmailHeader `json:"headers"`
		Body     gmailBody     `json:"body"`
		Parts    []gmailPart   `json:"parts"`
	} `json:"payload"`
	InternalDate string `json:"internalDate"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailBody struct {
	Data string `json:"data"`
}

type gmailPart struct {
	MimeType string      `json:"mimeType"`
	Body     gmailBody   `json:"body"`
	Parts    []gmailPart `json:"parts"`
}

func (m *gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (m *gmailMessage) date() time.Time {
	if ms, err := parseMillis(m.InternalDate); err == nil {
		return ms
	}
	if t, err := mail2822(m.header("Date")); err == nil {
		return t
	}
	return time.Time{}
}

func (m *gmailMessage) summary() Summary {
	unread := false
	for _, l := range m.LabelIDs {
		if l == "UNREAD" {
			unread = true
			break
		}
	}
	return Summary{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		From:     m.header("From"),
		To:       splitAddresses(m.header("To")),
		Subject:  m.header("Subject"),
		Snippet:  m.Snippet,
		Date:     m.date(),
		Unread:   unread,
		Labels:   m.LabelIDs,
	}
}

// plainBody walks the MIME tree for the first text/plain part.
func (m *gmailMessage) plainBody() string {
	if strings.HasPrefix(m.Payload.MimeType, "text/plain") {
		return decodeBody(m.Payload.Body.Data)
	}
	if body := findPlainPart(m.Payload.Parts); body != "" {
		return body
	}
	return decodeBody(m.Payload.Body.Data)
}

func findPlainPart(parts []gmailPart) string {
	for _, p := range parts {
		if strings.HasPrefix(p.MimeType, "text/plain") {
			return decodeBody(p.Body.Data)
		}
	}
	for _, p := range parts {
		if body := findPlainPart(p.Parts); body != "" {
			return body
		}
	}
	return ""
}

func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

func splitAddresses(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if addr := strings.TrimSpace(p); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func parseMillis(s string) (time.Time, error) {
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func mail2822(s string) (time.Time, error) {
	return time.Parse(time.RFC1123Z, s)
}

// buildRFC2822 assembles the outbound wire message, multipart when
// attachments are present.
func buildRFC2822(msg Outbound) ([]byte, error) {
	if len(msg.To) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	writeHeader("To", strings.Join(msg.To, ", "))
	writeHeader("Cc", strings.Join(msg.Cc, ", "))
	writeHeader("Bcc", strings.Join(msg.Bcc, ", "))
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("X-Idempotency-Key", msg.IdempotencyKey)
	writeHeader("MIME-Version", "1.0")

	if len(msg.Attachments) == 0 {
		writeHeader("Content-Type", `text/plain; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(msg.Body)
		return buf.Bytes(), nil
	}

	boundary := fmt.Sprintf("courier-%d", time.Now().UnixNano())
	writeHeader("Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, boundary))
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	buf.WriteString(msg.Body)
	buf.WriteString("\r\n")

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentType)
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n", att.Filename)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		buf.WriteString(base64.StdEncoding.EncodeToString(att.Data))
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes(), nil
}
