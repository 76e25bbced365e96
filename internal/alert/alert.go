package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

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

func (m *Manager) active() bool {
	return m.enabled && m.slackWebhook != ""
}

// SendIntegrityAlert reports the first block that failed chain verification.
func (m *Manager) SendIntegrityAlert(blockIndex uint64, reason string) error {
	if !m.active() {
		return nil
	}

	return m.sendSlackMessage(slackMessage{
		Text: "🚨 *LEDGER INTEGRITY VIOLATION*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Chain Verification Failed",
				Fields: []slackField{
					{Title: "Block", Value: fmt.Sprintf("%d", blockIndex), Short: true},
					{Title: "Reason", Value: reason, Short: false},
				},
				Footer: "Synochain Auditor",
				Ts:     time.Now().Unix(),
			},
		},
	})
}

// SendRecoveryAlert reports that a corrupt snapshot was quarantined and the
// chain restarted from genesis.
func (m *Manager) SendRecoveryAlert(location string, cause error) error {
	if !m.active() {
		return nil
	}

	return m.sendSlackMessage(slackMessage{
		Text: "⚠️ *LEDGER RESET FROM GENESIS*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Corrupt Snapshot Quarantined",
				Fields: []slackField{
					{Title: "Storage", Value: location, Short: true},
					{Title: "Cause", Value: cause.Error(), Short: false},
				},
				Footer: "Synochain Storage",
				Ts:     time.Now().Unix(),
			},
		},
	})
}

func (m *Manager) SendSealAbortedAlert(blockIndex uint64, difficulty int, cause error) error {
	if !m.active() {
		return nil
	}

	return m.sendSlackMessage(slackMessage{
		Text: "⚠️ *BLOCK SEALING ABORTED*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Proof of Work Did Not Complete",
				Fields: []slackField{
					{Title: "Block", Value: fmt.Sprintf("%d", blockIndex), Short: true},
					{Title: "Difficulty", Value: fmt.Sprintf("%d", difficulty), Short: true},
					{Title: "Cause", Value: cause.Error(), Short: false},
				},
				Footer: "Synochain Miner",
				Ts:     time.Now().Unix(),
			},
		},
	})
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.active() {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	return m.sendSlackMessage(slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: "Synochain System Monitor",
				Ts:     time.Now().Unix(),
			},
		},
	})
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
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
