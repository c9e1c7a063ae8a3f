package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/example/sms-relay/internal/model"
)

const serviceColumns = `
id, organization_id, service_type, account_sid, encrypted_auth_token, active
`

const selectServiceByID = `
SELECT ` + serviceColumns + `
FROM messaging_service
WHERE id = $1
`

func (s *Store) ServiceByID(ctx context.Context, id string) (model.MessagingService, error) {
	svc, err := scanService(s.pool.QueryRow(ctx, selectServiceByID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MessagingService{}, ErrNotFound
	}
	if err != nil {
		return model.MessagingService{}, fmt.Errorf("fetch messaging service: %w", err)
	}
	return svc, nil
}

const selectDefaultServiceForOrg = `
SELECT ` + serviceColumns + `
FROM messaging_service
WHERE organization_id = $1 AND active
ORDER BY id
LIMIT 1
`

func (s *Store) DefaultServiceForOrganization(ctx context.Context, organizationID int64) (model.MessagingService, error) {
	svc, err := scanService(s.pool.QueryRow(ctx, selectDefaultServiceForOrg, organizationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MessagingService{}, ErrNotFound
	}
	if err != nil {
		return model.MessagingService{}, fmt.Errorf("fetch organization messaging service: %w", err)
	}
	return svc, nil
}

const selectContactNumber = `
SELECT cell FROM campaign_contact WHERE id = $1
`

func (s *Store) ContactNumberForCampaignContact(ctx context.Context, campaignContactID int64) (string, error) {
	var cell string
	err := s.pool.QueryRow(ctx, selectContactNumber, campaignContactID).Scan(&cell)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fetch contact number: %w", err)
	}
	return cell, nil
}

const selectContactOrganization = `
SELECT organization_id FROM campaign_contact WHERE id = $1
`

func (s *Store) OrganizationForCampaignContact(ctx context.Context, campaignContactID int64) (int64, error) {
	var organizationID int64
	err := s.pool.QueryRow(ctx, selectContactOrganization, campaignContactID).Scan(&organizationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("fetch contact organization: %w", err)
	}
	return organizationID, nil
}

const selectContactZip = `
SELECT zip FROM campaign_contact WHERE id = $1
`

func (s *Store) ContactZipForCampaignContact(ctx context.Context, campaignContactID int64) (*string, error) {
	var zip *string
	err := s.pool.QueryRow(ctx, selectContactZip, campaignContactID).Scan(&zip)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch contact zip: %w", err)
	}
	return zip, nil
}

const insertStick = `
INSERT INTO messaging_service_stick (organization_id, contact_number, messaging_service_id)
VALUES ($1,$2,$3)
ON CONFLICT (organization_id, contact_number) DO NOTHING
`

const selectStickService = `
SELECT ` + serviceColumns + `
FROM messaging_service_stick stick
JOIN messaging_service ON messaging_service.id = stick.messaging_service_id
WHERE stick.organization_id = $1 AND stick.contact_number = $2
`

// StickService returns the messaging service a contact number is bound to,
// or ErrNotFound when no stick exists yet.
func (s *Store) StickService(ctx context.Context, organizationID int64, contactNumber string) (model.MessagingService, error) {
	svc, err := scanService(s.pool.QueryRow(ctx, selectStickService, organizationID, contactNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MessagingService{}, ErrNotFound
	}
	if err != nil {
		return model.MessagingService{}, fmt.Errorf("fetch stick service: %w", err)
	}
	return svc, nil
}

// EnsureStick binds the contact number to the candidate service unless a
// binding already exists. The insert races concurrent first sends safely;
// the follow-up read returns whichever binding won.
func (s *Store) EnsureStick(ctx context.Context, organizationID int64, contactNumber, messagingServiceID string) (model.MessagingService, error) {
	if _, err := s.pool.Exec(ctx, insertStick, organizationID, contactNumber, messagingServiceID); err != nil {
		return model.MessagingService{}, fmt.Errorf("insert stick: %w", err)
	}
	return s.StickService(ctx, organizationID, contactNumber)
}

const selectConversation = `
SELECT campaign_contact.id, campaign_contact.assignment_id
FROM messaging_service_stick stick
JOIN messaging_service ON messaging_service.id = stick.messaging_service_id
JOIN campaign_contact
ON campaign_contact.organization_id = stick.organization_id
AND campaign_contact.cell = stick.contact_number
WHERE messaging_service.service_type = $1
AND stick.messaging_service_id = $2
AND stick.contact_number = $3
ORDER BY campaign_contact.created_at DESC
LIMIT 1
`

// ResolveConversation finds the active campaign contact and assignment for
// an inbound message, walking service type + profile id + contact number
// through the stick.
func (s *Store) ResolveConversation(ctx context.Context, serviceType, profileID, contactNumber string) (model.Conversation, error) {
	var conv model.Conversation
	err := s.pool.QueryRow(ctx, selectConversation, serviceType, profileID, contactNumber).
		Scan(&conv.CampaignContactID, &conv.AssignmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("resolve conversation: %w", err)
	}
	return conv, nil
}

func scanService(row pgx.Row) (model.MessagingService, error) {
	var svc model.MessagingService
	err := row.Scan(
		&svc.ID,
		&svc.OrganizationID,
		&svc.ServiceType,
		&svc.AccountSID,
		&svc.EncryptedAuthToken,
		&svc.Active,
	)
	if err != nil {
		return model.MessagingService{}, err
	}
	return svc, nil
}
