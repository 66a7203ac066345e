package voiceagent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

// UsageReporter commits billable session seconds. Commits are
// fire-and-forget: a failed commit is logged and dropped, never
// retried indefinitely and never surfaced to the caller.
type UsageReporter struct {
	cfg        *Config
	log        *AgentLogger
	httpClient *http.Client
}

func NewUsageReporter(cfg *Config, log *AgentLogger) *UsageReporter {
	return &UsageReporter{
		cfg:        cfg,
		log:        log.WithComponent("usage"),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

type usageCommit struct {
	UsageRef string `json:"usage_ref"`
	Seconds  int    `json:"seconds"`
}

// Commit posts elapsed seconds against a usage reference.
func (ur *UsageReporter) Commit(ctx context.Context, usageRef string, seconds int) {
	if ur.cfg.UsageEndpoint == "" || usageRef == "" {
		return
	}

	body, err := json.Marshal(usageCommit{UsageRef: usageRef, Seconds: seconds})
	if err != nil {
		ur.log.WithError(err).Warn("Usage commit serialization failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ur.cfg.UsageEndpoint, bytes.NewBuffer(body))
	if err != nil {
		ur.log.WithError(err).Warn("Usage commit request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ur.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ur.httpClient.Do(req)
	if err != nil {
		ur.log.WithError(err).Warn("Usage commit failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		ur.log.Warnf("Usage commit returned %s", resp.Status)
		return
	}

	ur.log.WithField("usage_ref", usageRef).Infof("Committed %d seconds of usage", seconds)
}
