package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager posts validation alerts to a Slack webhook. Disabled managers and
// managers without a webhook drop alerts silently.
type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
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

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

// SendDiscrepancyAlert reports state discrepancies found while verifying a
// container state against a peer.
func (m *Manager) SendDiscrepancyAlert(containerID, verifier string, discrepancies []string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *STATE DISCREPANCY DETECTED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Cross-Node State Validation Alert",
				Fields: []slackField{
					{Title: "Container", Value: containerID, Short: true},
					{Title: "Verifier", Value: verifier, Short: true},
					{Title: "Discrepancies", Value: strings.Join(discrepancies, ", "), Short: false},
				},
				Footer: "Hypermesh State Validation",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendFaultAlert reports a node flagged as Byzantine.
func (m *Manager) SendFaultAlert(node, reason string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *BYZANTINE FAULT REPORTED*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Byzantine Fault Alert",
				Fields: []slackField{
					{Title: "Node", Value: node, Short: true},
					{Title: "Reason", Value: reason, Short: false},
				},
				Footer: "Hypermesh State Validation",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewReader(payload))
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
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}
