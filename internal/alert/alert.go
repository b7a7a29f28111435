// Package alert posts operational alerts for a chain node to Slack.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	chainID      uint32
	httpClient   HTTPClient
	now          func() time.Time
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string, chainID uint32) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, chainID, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook string, chainID uint32, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		chainID:      chainID,
		httpClient:   client,
		now:          time.Now,
	}
}

func (m *Manager) active() bool {
	return m.enabled && m.slackWebhook != ""
}

// SendIntegrityAlert reports a broken hash chain in the public log.
func (m *Manager) SendIntegrityAlert(seq uint64, expectedHash, actualHash, detail string) error {
	if !m.active() {
		return nil
	}

	return m.send(slackMessage{
		Text: "🚨 *LOG INTEGRITY VIOLATION*",
		Attachments: []slackAttachment{
			m.attachment("danger", "Record log hash chain broken", []slackField{
				{Title: "Chain", Value: m.chainLabel(), Short: true},
				{Title: "Sequence", Value: strconv.FormatUint(seq, 10), Short: true},
				{Title: "Expected Hash", Value: expectedHash, Short: false},
				{Title: "Actual Hash", Value: actualHash, Short: false},
				{Title: "Details", Value: detail, Short: false},
			}),
		},
	})
}

// SendDeliveryAlert reports that a background pipeline (relay, receiver,
// exporter) could not hand data to Kafka.
func (m *Manager) SendDeliveryAlert(component string, err error) error {
	if !m.active() {
		return nil
	}

	return m.send(slackMessage{
		Text: fmt.Sprintf("⚠️ *%s delivery failing*", component),
		Attachments: []slackAttachment{
			m.attachment("warning", component, []slackField{
				{Title: "Chain", Value: m.chainLabel(), Short: true},
				{Title: "Error", Value: err.Error(), Short: false},
			}),
		},
	})
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.active() {
		return nil
	}

	color := "danger"
	switch severity {
	case "warning":
		color = "warning"
	case "good":
		color = "good"
	}

	return m.send(slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			m.attachment(color, title, []slackField{
				{Title: "Chain", Value: m.chainLabel(), Short: true},
				{Title: "Message", Value: message, Short: false},
			}),
		},
	})
}

func (m *Manager) attachment(color, title string, fields []slackField) slackAttachment {
	return slackAttachment{
		Color:  color,
		Title:  title,
		Fields: fields,
		Footer: "sigcast",
		Ts:     m.now().Unix(),
	}
}

func (m *Manager) chainLabel() string {
	return strconv.FormatUint(uint64(m.chainID), 10)
}

func (m *Manager) send(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
