package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
)

// Push sends the registry to a Pushgateway under job with the queue name as the "batch" grouping key.
// A batch run exits before any scraper would see it, so metrics are pushed once at the end.
func Push(ctx context.Context, gatewayURL, job, queue string) error {
	if gatewayURL == "" {
		return nil
	}
	err := push.New(gatewayURL, job).
		Gatherer(Registry).
		Grouping("batch", queue).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	log.Debug().Str("gateway", gatewayURL).Str("job", job).Msg("Pushed metrics")
	return nil
}
