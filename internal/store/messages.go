package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/sms-relay/internal/model"
)

const messageColumns = `
id, campaign_contact_id, assignment_id, contact_number, user_number,
is_from_contact, text, media_urls, service, service_id, send_status,
num_segments, num_media, error_codes, service_response, created_at,
sent_at, service_response_at
`

const insertOutboundMessage = `
INSERT INTO message (
id,
campaign_contact_id,
assignment_id,
contact_number,
user_number,
is_from_contact,
text,
media_urls,
service,
send_status,
message_key,
created_at
) VALUES ($1,$2,$3,$4,$5,false,$6,$7,$8,$9,$10,$11)
ON CONFLICT (campaign_contact_id, message_key) WHERE message_key IS NOT NULL DO NOTHING
RETURNING ` + messageColumns

const selectOutboundMessageByKey = `
SELECT ` + messageColumns + `
FROM message
WHERE campaign_contact_id = $1 AND message_key = $2
`

// CreateOutboundMessage persists one logical send attempt. A repeated
// attempt with the same message key returns the existing row and
// duplicate=true instead of creating a second send.
func (s *Store) CreateOutboundMessage(ctx context.Context, msg model.Message, messageKey string) (model.Message, bool, error) {
	row := s.pool.QueryRow(ctx, insertOutboundMessage,
		msg.ID,
		msg.CampaignContactID,
		msg.AssignmentID,
		msg.ContactNumber,
		msg.UserNumber,
		msg.Text,
		msg.MediaURLs,
		msg.Service,
		string(msg.SendStatus),
		messageKey,
		msg.CreatedAt,
	)

	saved, err := scanMessage(row)
	if err == nil {
		return saved, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, false, fmt.Errorf("insert message: %w", err)
	}

	existing, err := scanMessage(s.pool.QueryRow(ctx, selectOutboundMessageByKey, msg.CampaignContactID, messageKey))
	if err != nil {
		return model.Message{}, false, fmt.Errorf("fetch existing message: %w", err)
	}
	return existing, true, nil
}

const selectMessageByID = `
SELECT ` + messageColumns + `
FROM message
WHERE id = $1
`

func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, selectMessageByID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("fetch message: %w", err)
	}
	return msg, nil
}

const markSending = `
UPDATE message
SET send_status = 'sending'
WHERE id = $1 AND send_status NOT IN ('delivered')
`

// MarkSending moves a message into the locally observed sending state.
// Messages already delivered are left alone; an errored message may be
// resubmitted by the replay tooling.
func (s *Store) MarkSending(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, markSending, id)
	if err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	return nil
}

const markSent = `
UPDATE message
SET service = $2,
service_id = $3,
send_status = 'sent',
sent_at = now(),
service_response = $4
WHERE id = $1
`

// MarkSent records the provider that accepted the message along with its
// message id; delivery reports later match on that (service, service_id)
// pair.
func (s *Store) MarkSent(ctx context.Context, id, service, serviceID string, raw []byte) error {
	_, err := s.pool.Exec(ctx, markSent, id, service, serviceID, raw)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

const markSendError = `
UPDATE message
SET send_status = 'error'
WHERE id = $1
`

func (s *Store) MarkSendError(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, markSendError, id)
	if err != nil {
		return fmt.Errorf("mark send error: %w", err)
	}
	return nil
}

const insertIncomingMessage = `
INSERT INTO message (
id,
campaign_contact_id,
assignment_id,
contact_number,
user_number,
is_from_contact,
text,
media_urls,
service,
service_id,
send_status,
num_segments,
num_media,
service_response,
created_at
) VALUES ($1,$2,$3,$4,$5,true,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (service, service_id) WHERE service_id IS NOT NULL DO NOTHING
`

// SaveIncomingMessage persists an inbound message. Redelivery of the same
// provider message id is a no-op; the bool reports whether a row was
// actually created.
func (s *Store) SaveIncomingMessage(ctx context.Context, msg model.Message) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertIncomingMessage,
		msg.ID,
		msg.CampaignContactID,
		msg.AssignmentID,
		msg.ContactNumber,
		msg.UserNumber,
		msg.Text,
		msg.MediaURLs,
		msg.Service,
		msg.ServiceID,
		string(msg.SendStatus),
		msg.NumSegments,
		msg.NumMedia,
		msg.ServiceResponse,
		msg.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert incoming message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const updateMessageStatus = `
UPDATE message
SET send_status = $3,
error_codes = $4,
service_response_at = now()
WHERE service = $1 AND service_id = $2 AND send_status = ANY($5)
`

const backfillMessageCounts = `
UPDATE message
SET num_segments = COALESCE(num_segments, $3),
num_media = COALESCE(num_media, $4)
WHERE service = $1 AND service_id = $2
AND (num_segments IS NULL OR num_media IS NULL)
`

const messageExistsByServiceID = `
SELECT EXISTS (SELECT 1 FROM message WHERE service = $1 AND service_id = $2)
`

// ApplyDeliveryReport applies one status callback in a single transaction.
// The status update only lands while the stored status is strictly less
// advanced than the reported one, so late, duplicate or out-of-order
// reports can never regress a message. Segment and media counts are
// backfilled independently, first report wins.
//
// Returns false when no message carries the provider message id.
func (s *Store) ApplyDeliveryReport(ctx context.Context, service, serviceID string, status model.SendStatus, errorCodes []string, numSegments, numMedia *int) (bool, error) {
	var matched bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		replaceable := make([]string, 0, 4)
		for _, below := range model.StatusesBelow(status) {
			replaceable = append(replaceable, string(below))
		}
		if _, err := tx.Exec(ctx, updateMessageStatus, service, serviceID, string(status), errorCodes, replaceable); err != nil {
			return fmt.Errorf("update send status: %w", err)
		}

		if numSegments != nil || numMedia != nil {
			if _, err := tx.Exec(ctx, backfillMessageCounts, service, serviceID, numSegments, numMedia); err != nil {
				return fmt.Errorf("backfill counts: %w", err)
			}
		}

		return tx.QueryRow(ctx, messageExistsByServiceID, service, serviceID).Scan(&matched)
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

const insertDeliveryReportLog = `
INSERT INTO log (message_sid, service_type, body, created_at)
VALUES ($1,$2,$3,now())
`

// LogDeliveryReport appends the raw report payload to the audit log.
func (s *Store) LogDeliveryReport(ctx context.Context, service, serviceID string, raw []byte) error {
	_, err := s.pool.Exec(ctx, insertDeliveryReportLog, serviceID, service, raw)
	if err != nil {
		return fmt.Errorf("insert delivery report log: %w", err)
	}
	return nil
}

const selectFailedMessages = `
SELECT ` + messageColumns + `
FROM message
WHERE send_status = 'error' AND is_from_contact = false AND created_at >= $1
ORDER BY created_at ASC
LIMIT $2
`

// ListFailedMessages feeds the replay tooling.
func (s *Store) ListFailedMessages(ctx context.Context, since time.Time, limit int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, selectFailedMessages, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		msg       model.Message
		status    string
		serviceID *string
	)
	err := row.Scan(
		&msg.ID,
		&msg.CampaignContactID,
		&msg.AssignmentID,
		&msg.ContactNumber,
		&msg.UserNumber,
		&msg.IsFromContact,
		&msg.Text,
		&msg.MediaURLs,
		&msg.Service,
		&serviceID,
		&status,
		&msg.NumSegments,
		&msg.NumMedia,
		&msg.ErrorCodes,
		&msg.ServiceResponse,
		&msg.CreatedAt,
		&msg.SentAt,
		&msg.ServiceResponseAt,
	)
	if err != nil {
		return model.Message{}, err
	}
	if serviceID != nil {
		msg.ServiceID = *serviceID
	}
	msg.SendStatus = model.SendStatus(status)
	return msg, nil
}
