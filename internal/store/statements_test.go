package store

import (
	"strings"
	"testing"

	"github.com/example/sms-relay/migrations"
)

// Postgres only infers a partial unique index as an ON CONFLICT arbiter
// when the conflict target repeats the index predicate. These statements
// are our idempotency guarantees, so pin the clause shape here.
func TestConflictTargetsNamePartialIndexPredicates(t *testing.T) {
	cases := []struct {
		name string
		stmt string
		want string
	}{
		{
			name: "outbound insert",
			stmt: insertOutboundMessage,
			want: "ON CONFLICT (campaign_contact_id, message_key) WHERE message_key IS NOT NULL DO NOTHING",
		},
		{
			name: "incoming insert",
			stmt: insertIncomingMessage,
			want: "ON CONFLICT (service, service_id) WHERE service_id IS NOT NULL DO NOTHING",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !strings.Contains(tc.stmt, tc.want) {
				t.Fatalf("statement lacks inferable conflict target:\n%s", tc.stmt)
			}
		})
	}
}

// Root-part election relies on any-constraint conflict handling, because
// a duplicate can hit either the primary key, the (service, service_id)
// index, or the partial root index.
func TestRootPartInsertCoversAllConstraints(t *testing.T) {
	if !strings.Contains(insertPendingRootPart, "ON CONFLICT DO NOTHING") {
		t.Fatalf("root part insert must not name a conflict target:\n%s", insertPendingRootPart)
	}
	if strings.Contains(insertPendingRootPart, "parent_id") {
		t.Fatalf("root part insert must leave parent_id NULL:\n%s", insertPendingRootPart)
	}
}

// Segment and media counts arrive on different callbacks; a later report
// that omits one count must not null out the recorded value.
func TestCountBackfillKeepsRecordedValues(t *testing.T) {
	for _, want := range []string{
		"num_segments = COALESCE(num_segments, $3)",
		"num_media = COALESCE(num_media, $4)",
	} {
		if !strings.Contains(backfillMessageCounts, want) {
			t.Fatalf("backfill statement missing %q:\n%s", want, backfillMessageCounts)
		}
	}
}

func TestSchemaDeclaresPartialUniqueIndexes(t *testing.T) {
	raw, err := migrations.FS.ReadFile("000001_init.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	schema := string(raw)

	for _, want := range []string{
		"ON message (service, service_id) WHERE service_id IS NOT NULL",
		"ON message (campaign_contact_id, message_key) WHERE message_key IS NOT NULL",
		"ON pending_message_part (service, concat_ref) WHERE parent_id IS NULL",
	} {
		if !strings.Contains(schema, want) {
			t.Fatalf("schema missing index %q", want)
		}
	}
}
