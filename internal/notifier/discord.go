package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/wheel_mirror/internal/mirror"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return errors.New("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// RunSummary renders a run report as a short chat message.
func RunSummary(r mirror.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Wheel mirror run finished for %s in %s\n", r.BaseURL, r.Duration.Round(time.Second))
	fmt.Fprintf(&b, "Packages: %d (%d incomplete)\n", len(r.Packages), r.Incomplete())
	fmt.Fprintf(&b, "Wheels: %d downloaded, %d cached, %d failed (%s transferred)",
		r.Totals.Downloaded, r.Totals.Cached, r.Totals.Failed, humanize.Bytes(uint64(r.Totals.Transferred)))

	for _, p := range r.Packages {
		if p.Status != mirror.PackageComplete {
			fmt.Fprintf(&b, "\n- %s: %s", p.Name, p.Status)
		}
	}

	return b.String()
}
