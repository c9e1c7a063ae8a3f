package store

import (
	"context"
	"fmt"

	"github.com/example/sms-relay/internal/model"
)

const partColumns = `
id, service, service_id, parent_id, service_message, user_number, contact_number, created_at
`

const insertPendingPart = `
INSERT INTO pending_message_part (
id, service, service_id, parent_id, service_message, user_number, contact_number, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (service, service_id) DO NOTHING
`

// InsertPendingPart stores one raw inbound fragment. Redelivered webhooks
// collapse onto the existing row.
func (s *Store) InsertPendingPart(ctx context.Context, part model.PendingMessagePart) error {
	_, err := s.pool.Exec(ctx, insertPendingPart,
		part.ID,
		part.Service,
		part.ServiceID,
		part.ParentID,
		part.ServiceMessage,
		part.UserNumber,
		part.ContactNumber,
		part.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending part: %w", err)
	}
	return nil
}

const insertPendingRootPart = `
INSERT INTO pending_message_part (
id, service, service_id, service_message, user_number, contact_number, concat_ref, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT DO NOTHING
`

const selectRootPartID = `
SELECT id FROM pending_message_part
WHERE service = $1 AND concat_ref = $2 AND parent_id IS NULL
LIMIT 1
`

const insertPendingChildPart = `
INSERT INTO pending_message_part (
id, service, service_id, parent_id, service_message, user_number, contact_number, concat_ref, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (service, service_id) DO NOTHING
`

// InsertPendingPartLinked stores a fragment of a multi-part message,
// linking it under the root fragment for the same concat reference.
// The root is elected by an insert racing a partial unique index, then read
// back, so two fragments arriving concurrently settle on one root.
// Returns the id of the root part the fragment belongs to.
func (s *Store) InsertPendingPartLinked(ctx context.Context, part model.PendingMessagePart, concatRef string) (string, error) {
	_, err := s.pool.Exec(ctx, insertPendingRootPart,
		part.ID,
		part.Service,
		part.ServiceID,
		part.ServiceMessage,
		part.UserNumber,
		part.ContactNumber,
		concatRef,
		part.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert root pending part: %w", err)
	}

	var rootID string
	if err := s.pool.QueryRow(ctx, selectRootPartID, part.Service, concatRef).Scan(&rootID); err != nil {
		return "", fmt.Errorf("find root part: %w", err)
	}
	if rootID == part.ID {
		return rootID, nil
	}

	part.ParentID = &rootID
	_, err = s.pool.Exec(ctx, insertPendingChildPart,
		part.ID,
		part.Service,
		part.ServiceID,
		part.ParentID,
		part.ServiceMessage,
		part.UserNumber,
		part.ContactNumber,
		concatRef,
		part.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert linked pending part: %w", err)
	}
	return rootID, nil
}

const selectPartsForMessage = `
SELECT ` + partColumns + `
FROM pending_message_part
WHERE id = $1 OR parent_id = $1
ORDER BY created_at ASC
`

// PartsForMessage returns the root part plus every linked fragment.
// An empty result means the message was already reassembled.
func (s *Store) PartsForMessage(ctx context.Context, rootID string) ([]model.PendingMessagePart, error) {
	rows, err := s.pool.Query(ctx, selectPartsForMessage, rootID)
	if err != nil {
		return nil, fmt.Errorf("fetch pending parts: %w", err)
	}
	defer rows.Close()

	var parts []model.PendingMessagePart
	for rows.Next() {
		var part model.PendingMessagePart
		if err := rows.Scan(
			&part.ID,
			&part.Service,
			&part.ServiceID,
			&part.ParentID,
			&part.ServiceMessage,
			&part.UserNumber,
			&part.ContactNumber,
			&part.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending part: %w", err)
		}
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

const deletePartsForMessage = `
DELETE FROM pending_message_part
WHERE id = $1 OR parent_id = $1
`

func (s *Store) DeletePartsForMessage(ctx context.Context, rootID string) error {
	_, err := s.pool.Exec(ctx, deletePartsForMessage, rootID)
	if err != nil {
		return fmt.Errorf("delete pending parts: %w", err)
	}
	return nil
}
