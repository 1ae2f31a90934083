package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smsgw/sms-gateway/internal/httpclient"
	"github.com/smsgw/sms-gateway/internal/models"
)

// Magfa result codes that classify an attempt
const (
	magfaStatusOK = 0
)

// magfaPermanentCodes are account or payload errors a retry cannot fix
var magfaPermanentCodes = map[int64]bool{1: true, 27: true, 33: true}

// magfaTransientCodes are capacity or availability errors worth retrying
var magfaTransientCodes = map[int64]bool{14: true, 15: true}

// Magfa delivers messages over the Magfa HTTP JSON API
type Magfa struct {
	name   string
	sender string
	client *httpclient.Client
}

// NewMagfa builds a Magfa adapter from a registry row
func NewMagfa(p models.Provider, timeout time.Duration) *Magfa {
	client := httpclient.NewClient(p.SendURL, timeout)
	if p.AuthUsername != "" {
		client = client.WithBasicAuth(p.AuthUsername, p.AuthPassword)
	}
	return &Magfa{name: p.Name, sender: p.Sender, client: client}
}

// Name returns the canonical provider name
func (m *Magfa) Name() string {
	return m.name
}

type magfaSendRequest struct {
	Senders    []string `json:"senders"`
	Messages   []string `json:"messages"`
	Recipients []string `json:"recipients"`
}

type magfaSendResponse struct {
	Status   *int64 `json:"status"`
	Messages []struct {
		ID int64 `json:"id"`
	} `json:"messages"`
}

// Send submits one message and classifies the result. Transport errors
// and HTTP error statuses are transient; an unparseable body or an
// unrecognized result code is permanent, since retrying cannot change
// what the provider already decided.
func (m *Magfa) Send(ctx context.Context, to, text string) Outcome {
	payload := magfaSendRequest{
		Senders:    []string{m.sender},
		Messages:   []string{text},
		Recipients: []string{to},
	}

	body, status, err := m.client.PostRaw(ctx, "", payload)
	if err != nil {
		return Outcome{Status: OutcomeTransient, Reason: fmt.Sprintf("request failed: %v", err)}
	}
	if status >= 400 {
		return Outcome{
			Status:      OutcomeTransient,
			Reason:      fmt.Sprintf("HTTP %d", status),
			RawResponse: string(body),
		}
	}

	var resp magfaSendResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Status == nil {
		return Outcome{
			Status:      OutcomePermanent,
			Reason:      "invalid JSON response",
			RawResponse: string(body),
		}
	}

	code := *resp.Status
	switch {
	case code == magfaStatusOK:
		out := Outcome{Status: OutcomeSuccess, RawResponse: string(body)}
		if len(resp.Messages) > 0 {
			out.MessageID = fmt.Sprintf("%d", resp.Messages[0].ID)
		}
		return out
	case magfaPermanentCodes[code]:
		return Outcome{
			Status:      OutcomePermanent,
			Reason:      fmt.Sprintf("permanent failure (code %d)", code),
			RawResponse: string(body),
		}
	case magfaTransientCodes[code]:
		return Outcome{
			Status:      OutcomeTransient,
			Reason:      fmt.Sprintf("transient failure (code %d)", code),
			RawResponse: string(body),
		}
	default:
		return Outcome{
			Status:      OutcomePermanent,
			Reason:      fmt.Sprintf("unknown error (code %d)", code),
			RawResponse: string(body),
		}
	}
}
