// Package bus moves screening results in and treasury events out over Kafka.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"treasury/pkg/models"
)

var ErrInvalidResult = errors.New("invalid screening result")

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// HandleFunc applies one decoded screening result.
type HandleFunc func(ctx context.Context, res models.ScreeningResult) error

// DecodeScreening parses and checks a screening result payload.
func DecodeScreening(value []byte) (models.ScreeningResult, error) {
	var res models.ScreeningResult
	if err := json.Unmarshal(value, &res); err != nil {
		return models.ScreeningResult{}, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	res.Subject = strings.TrimSpace(res.Subject)
	res.Kind = strings.ToLower(strings.TrimSpace(res.Kind))
	if res.Subject == "" {
		return models.ScreeningResult{}, fmt.Errorf("%w: subject required", ErrInvalidResult)
	}
	switch res.Kind {
	case models.ScreeningKYC:
		if res.KYC == nil {
			return models.ScreeningResult{}, fmt.Errorf("%w: kyc record required", ErrInvalidResult)
		}
	case models.ScreeningAML:
		if res.AML == nil {
			return models.ScreeningResult{}, fmt.Errorf("%w: aml record required", ErrInvalidResult)
		}
	case models.ScreeningSanctions:
		if res.Sanctions == nil {
			return models.ScreeningResult{}, fmt.Errorf("%w: sanctions record required", ErrInvalidResult)
		}
	default:
		return models.ScreeningResult{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidResult, res.Kind)
	}
	return res, nil
}

// Run reads screening results until ctx is done. Malformed messages and
// handler failures are logged and skipped so one bad record cannot wedge
// the partition.
func Run(ctx context.Context, c Consumer, handle HandleFunc, log zerolog.Logger) error {
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read screening result: %w", err)
		}
		res, err := DecodeScreening(msg.Value)
		if err != nil {
			log.Warn().Err(err).Str("key", string(msg.Key)).Msg("screening_result_discarded")
			continue
		}
		if err := handle(ctx, res); err != nil {
			log.Warn().Err(err).Str("subject", res.Subject).Str("kind", res.Kind).Msg("screening_result_failed")
			continue
		}
		log.Debug().Str("subject", res.Subject).Str("kind", res.Kind).Msg("screening_result_applied")
	}
}
