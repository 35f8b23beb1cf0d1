/**
 * @description
 * DecisionConsumer applies externally made confirmation decisions to pending
 * payment intents. An approvals service (a human review queue, an automated
 * policy engine) publishes intent.approved and intent.rejected events; this
 * consumer maps them onto the intent lifecycle.
 *
 * Handler return values follow the broker contract: true acknowledges the
 * message, false re-queues it. Malformed payloads and decisions for unknown
 * or already finalized intents are acknowledged, since redelivery cannot fix
 * them.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IntentDecisionEvent is the payload of an external confirmation decision.
type IntentDecisionEvent struct {
	IntentID   string `json:"intent_id"`
	DecidedBy  string `json:"decided_by"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at,omitempty"`
}

const decisionTimeout = 15 * time.Second

// DecisionConsumer feeds external approval decisions into the Service.
type DecisionConsumer struct {
	service *Service
}

// NewDecisionConsumer creates a consumer over the payment facade.
func NewDecisionConsumer(service *Service) *DecisionConsumer {
	return &DecisionConsumer{service: service}
}

// HandleApproved confirms the intent named by the event.
func (c *DecisionConsumer) HandleApproved(body []byte) bool {
	event, intentID, ok := c.decode(body)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), decisionTimeout)
	defer cancel()

	_, err := c.service.ConfirmIntent(ctx, intentID)
	switch {
	case err == nil:
		log.Printf("level=info component=decision_consumer msg=\"intent confirmed by external decision\" intent_id=%s decided_by=%s", intentID, event.DecidedBy)
		return true
	case errors.Is(err, ErrIntentNotFound), errors.Is(err, ErrIntentFinalized), errors.Is(err, ErrIntentExpired):
		log.Printf("level=warn component=decision_consumer msg=\"approval not applicable; acknowledging\" intent_id=%s err=%v", intentID, err)
		return true
	default:
		log.Printf("level=error component=decision_consumer msg=\"confirm failed; re-queuing\" intent_id=%s err=%v", intentID, err)
		return false
	}
}

// HandleRejected cancels the intent named by the event, recording the
// decision reason.
func (c *DecisionConsumer) HandleRejected(body []byte) bool {
	event, intentID, ok := c.decode(body)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), decisionTimeout)
	defer cancel()

	reason := strings.TrimSpace(event.Reason)
	if reason == "" {
		reason = "rejected by external decision"
	}

	_, err := c.service.CancelIntent(ctx, intentID, &reason)
	switch {
	case err == nil:
		log.Printf("level=info component=decision_consumer msg=\"intent canceled by external decision\" intent_id=%s decided_by=%s", intentID, event.DecidedBy)
		return true
	case errors.Is(err, ErrIntentNotFound), errors.Is(err, ErrIntentFinalized), errors.Is(err, ErrIntentExpired):
		log.Printf("level=warn component=decision_consumer msg=\"rejection not applicable; acknowledging\" intent_id=%s err=%v", intentID, err)
		return true
	default:
		log.Printf("level=error component=decision_consumer msg=\"cancel failed; re-queuing\" intent_id=%s err=%v", intentID, err)
		return false
	}
}

func (c *DecisionConsumer) decode(body []byte) (IntentDecisionEvent, uuid.UUID, bool) {
	var event IntentDecisionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=decision_consumer msg=\"unmarshal failed; dropping\" err=%v", err)
		return event, uuid.Nil, false
	}
	intentID, err := uuid.Parse(strings.TrimSpace(event.IntentID))
	if err != nil {
		log.Printf("level=warn component=decision_consumer msg=\"invalid intent id; dropping\" intent_id=%q err=%v", event.IntentID, err)
		return event, uuid.Nil, false
	}
	return event, intentID, true
}
