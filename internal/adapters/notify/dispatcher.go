package notify

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/aadiby/epic-dod-management/internal/config"
    "github.com/rs/zerolog"
)

// Dispatcher hands an approved nudge to the delivery system. The decision of
// when and to whom is made upstream; delivery transport lives behind this
// boundary.
type Dispatcher struct {
    webhookURL string
    from       string
    http       *http.Client
    log        zerolog.Logger
}

func NewDispatcher(cfg config.Config, log zerolog.Logger) *Dispatcher {
    return &Dispatcher{
        webhookURL: cfg.NotifyWebhookURL,
        from:       cfg.NotifyFromAddress,
        http:       &http.Client{Timeout: 10 * time.Second},
        log:       log,
    }
}

// Dispatch forwards subject/body/recipients to the configured relay. With no
// relay configured the decision is still logged, so dry-run deployments keep
// a full notification record.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []string, subject, body string) error {
    if d.webhookURL == "" {
        d.log.Info().Strs("recipients", recipients).Str("subject", subject).Msg("notify: no relay configured, logged only")
        return nil
    }
    payload := map[string]any{"from": d.from, "to": recipients, "subject": subject, "body": body}
    b, _ := json.Marshal(payload)
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(b))
    if err != nil { return err }
    req.Header.Set("Content-Type", "application/json")
    resp, err := d.http.Do(req)
    if err != nil { return err }
    defer resp.Body.Close()
    if resp.StatusCode >= 300 {
        bodyBytes, _ := io.ReadAll(resp.Body)
        return fmt.Errorf("notify relay status=%d body=%s", resp.StatusCode, string(bodyBytes))
    }
    return nil
}
