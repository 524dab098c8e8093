package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/platform/scope"
)

// EncounterNotifier pushes workflow lifecycle notifications to registered
// subscriptions. It satisfies the encounter service's Subscriber
// interface; delivery failures are reported to the caller, which treats
// them as best effort.
type EncounterNotifier struct {
	manager *Manager
	logger  zerolog.Logger
}

func NewEncounterNotifier(manager *Manager, logger zerolog.Logger) *EncounterNotifier {
	return &EncounterNotifier{
		manager: manager,
		logger:  logger.With().Str("component", "webhook-notifier").Logger(),
	}
}

// OnEncounterCreated publishes an encounter.created event to every
// matching subscription in the encounter's scope.
func (n *EncounterNotifier) OnEncounterCreated(ctx context.Context, sc scope.Scope, encounterID uuid.UUID) error {
	data, err := json.Marshal(map[string]string{
		"encounter_id": encounterID.String(),
	})
	if err != nil {
		return err
	}

	results := n.manager.Publish(ctx, Event{
		Type:        EventEncounterCreated,
		TenantID:    sc.TenantID,
		FacilityID:  sc.FacilityID,
		EncounterID: encounterID,
		OccurredAt:  time.Now().UTC(),
		Data:        data,
	})
	for _, res := range results {
		if !res.Succeeded {
			n.logger.Warn().
				Str("subscription_id", res.SubscriptionID.String()).
				Int("status_code", res.StatusCode).
				Str("error", res.Error).
				Msg("webhook delivery failed")
		}
	}
	return nil
}
