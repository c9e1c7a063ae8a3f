// Package registry resolves which messaging service serves a given
// organization/contact pair and owns the number-stick binding that keeps a
// conversation on one provider.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/store"
)

// ErrNoMessagingService means the organization has no usable messaging
// service configured; the current operation fails and is not retried.
var ErrNoMessagingService = errors.New("registry: no messaging service configured for organization")

var ErrUnknownService = errors.New("registry: unknown messaging service")

type ServiceStore interface {
	ServiceByID(ctx context.Context, id string) (model.MessagingService, error)
	DefaultServiceForOrganization(ctx context.Context, organizationID int64) (model.MessagingService, error)
	ContactNumberForCampaignContact(ctx context.Context, campaignContactID int64) (string, error)
	StickService(ctx context.Context, organizationID int64, contactNumber string) (model.MessagingService, error)
	EnsureStick(ctx context.Context, organizationID int64, contactNumber, messagingServiceID string) (model.MessagingService, error)
}

type Registry struct {
	store ServiceStore
	cache *ServiceCache
}

// New builds a registry. cache may be nil.
func New(s ServiceStore, cache *ServiceCache) *Registry {
	return &Registry{store: s, cache: cache}
}

// ResolveForContact returns the messaging service bound to the contact's
// number within the organization, creating the stick on first touch. The
// stick insert uses on-conflict-do-nothing followed by a read, so two
// concurrent first sends settle on the same binding.
func (r *Registry) ResolveForContact(ctx context.Context, campaignContactID, organizationID int64) (model.MessagingService, error) {
	number, err := r.store.ContactNumberForCampaignContact(ctx, campaignContactID)
	if err != nil {
		return model.MessagingService{}, fmt.Errorf("resolve contact number: %w", err)
	}

	svc, err := r.store.StickService(ctx, organizationID, number)
	if err == nil {
		return svc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.MessagingService{}, err
	}

	candidate, err := r.store.DefaultServiceForOrganization(ctx, organizationID)
	if errors.Is(err, store.ErrNotFound) {
		return model.MessagingService{}, ErrNoMessagingService
	}
	if err != nil {
		return model.MessagingService{}, err
	}

	return r.store.EnsureStick(ctx, organizationID, number, candidate.ID)
}

// ServiceByID looks up a messaging service by the profile id a provider
// embeds in its callbacks.
func (r *Registry) ServiceByID(ctx context.Context, id string) (model.MessagingService, error) {
	if r.cache != nil {
		if svc, ok := r.cache.Get(ctx, id); ok {
			return svc, nil
		}
	}

	svc, err := r.store.ServiceByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.MessagingService{}, fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	if err != nil {
		return model.MessagingService{}, err
	}

	if r.cache != nil {
		r.cache.Set(ctx, svc)
	}
	return svc, nil
}
