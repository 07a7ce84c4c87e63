// Package billing handles subscription lifecycle events pushed by the
// payment provider. Events arrive as signed webhooks; the signature
// covers the raw body so the payload must be verified before decoding.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"feedbackhub/api/internal/store"
	"feedbackhub/api/internal/tier"
	"feedbackhub/api/internal/util"
)

var (
	ErrBadSignature = errors.New("bad webhook signature")
	ErrStaleEvent   = errors.New("stale webhook event")
)

const signatureTolerance = 5 * time.Minute

type subscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub store.Subscription) error
}

type Service struct {
	store         subscriptionStore
	secret        []byte
	pricePro      string
	priceBusiness string
	now           func() time.Time
}

type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object subscriptionObject `json:"object"`
	} `json:"data"`
}

type subscriptionObject struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Metadata struct {
		UserID string `json:"userId"`
	} `json:"metadata"`
	Items struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

func New(st subscriptionStore, secret, pricePro, priceBusiness string) *Service {
	return &Service{
		store:         st,
		secret:        []byte(secret),
		pricePro:      pricePro,
		priceBusiness: priceBusiness,
		now:           time.Now,
	}
}

// VerifySignature checks the "t=<unix>,v1=<hex>" header against an
// HMAC-SHA256 of "<t>.<body>". Events older than the tolerance are
// rejected to bound replay.
func (s *Service) VerifySignature(body []byte, header string) error {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrBadSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	age := s.now().Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrStaleEvent
	}

	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrBadSignature
}

// HandleEvent applies a verified event to the subscription table.
// Unknown event types are ignored so the provider never retries them.
func (s *Service) HandleEvent(ctx context.Context, event Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return s.applySubscription(ctx, event.Data.Object)
	case "customer.subscription.deleted":
		return s.cancelSubscription(ctx, event.Data.Object)
	default:
		return nil
	}
}

func (s *Service) applySubscription(ctx context.Context, obj subscriptionObject) error {
	if obj.Metadata.UserID == "" {
		log.Printf(`{"msg":"webhook subscription without userId metadata","subscription":%q}`, obj.ID)
		return nil
	}
	sub := store.Subscription{
		ID:                    util.NewID(),
		UserID:                obj.Metadata.UserID,
		Tier:                  s.tierForPrices(obj),
		Status:                normalizeStatus(obj.Status),
		BillingCustomerID:     obj.Customer,
		BillingSubscriptionID: obj.ID,
	}
	if obj.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(obj.CurrentPeriodEnd, 0).UTC()
	}
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *Service) cancelSubscription(ctx context.Context, obj subscriptionObject) error {
	if obj.Metadata.UserID == "" {
		log.Printf(`{"msg":"webhook cancellation without userId metadata","subscription":%q}`, obj.ID)
		return nil
	}
	sub := store.Subscription{
		ID:                    util.NewID(),
		UserID:                obj.Metadata.UserID,
		Tier:                  string(tier.Free),
		Status:                "canceled",
		BillingCustomerID:     obj.Customer,
		BillingSubscriptionID: obj.ID,
	}
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

// normalizeStatus folds the provider's many lifecycle states down to
// whether the subscription currently grants paid access. Trials count as
// active; everything else (past_due, unpaid, incomplete, paused) does not.
func normalizeStatus(status string) string {
	switch status {
	case "active", "trialing":
		return "active"
	default:
		return "inactive"
	}
}

func (s *Service) tierForPrices(obj subscriptionObject) string {
	for _, item := range obj.Items.Data {
		switch item.Price.ID {
		case s.priceBusiness:
			return string(tier.Business)
		case s.pricePro:
			return string(tier.Pro)
		}
	}
	return string(tier.Free)
}
