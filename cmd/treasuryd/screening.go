package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"treasury/pkg/bus"
	"treasury/pkg/engine"
	"treasury/pkg/httpx"
	"treasury/pkg/notify"
	"treasury/pkg/telemetry"
)

// httpScreening asks a screening gateway to run KYC, AML and sanctions checks
// for a subject. Results arrive later on the screening topic or the
// compliance profile endpoints.
type httpScreening struct {
	BaseURL    string
	Token      string
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

func (h httpScreening) RequestScreening(ctx context.Context, subject string) error {
	body, err := json.Marshal(map[string]any{
		"subject": subject,
		"kinds":   []string{"kyc", "aml", "sanctions"},
	})
	if err != nil {
		return err
	}
	headers := map[string]string{}
	if h.Token != "" {
		headers["Authorization"] = "Bearer " + h.Token
	}
	status, resp, err := httpx.RequestJSON(ctx, h.Client, http.MethodPost, h.BaseURL+"/v1/screenings", body, headers, h.Retries, h.RetryDelay)
	if err != nil {
		return fmt.Errorf("screening request %s: %w", subject, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("screening request %s: status %d: %s", subject, status, strings.TrimSpace(string(resp)))
	}
	return nil
}

// topicScreening publishes screening requests as events for an external
// worker pool.
type topicScreening struct {
	Sink notify.Notifier
}

func (t topicScreening) RequestScreening(ctx context.Context, subject string) error {
	evt := notify.NewEvent(notify.EventScreeningRequested, "", subject, time.Time{}, map[string]any{
		"kinds": []string{"kyc", "aml", "sanctions"},
	})
	return t.Sink.Notify(ctx, evt)
}

// buildScreening picks the screening transport. The returned closer is
// always safe to call.
func buildScreening(brokers []string, log zerolog.Logger) (engine.ScreeningRequester, func(), error) {
	if url := env("SCREENING_URL", ""); url != "" {
		timeout := time.Millisecond * time.Duration(envInt("SCREENING_TIMEOUT_MS", 5000))
		return httpScreening{
			BaseURL:    strings.TrimRight(url, "/"),
			Token:      env("SCREENING_TOKEN", ""),
			Client:     telemetry.InstrumentClient(&http.Client{Timeout: timeout}),
			Retries:    envInt("SCREENING_RETRIES", 2),
			RetryDelay: 200 * time.Millisecond,
		}, func() {}, nil
	}
	if topic := env("KAFKA_SCREENING_REQUEST_TOPIC", ""); len(brokers) > 0 && topic != "" {
		producer, err := bus.NewKafkaProducer(brokers, topic)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka screening producer: %w", err)
		}
		return topicScreening{Sink: producer}, func() { _ = producer.Close() }, nil
	}
	log.Warn().Msg("no screening transport configured, profiles must be pushed through the API")
	return nil, func() {}, nil
}
