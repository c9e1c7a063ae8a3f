package model

import "time"

// Message is one SMS/MMS unit in one direction. Rows are append-only: the
// send pipeline and the delivery-report pipeline mutate status and audit
// fields, but a message is never deleted.
type Message struct {
	ID                string
	CampaignContactID int64
	AssignmentID      int64
	ContactNumber     string
	UserNumber        string
	IsFromContact     bool
	Text              string
	MediaURLs         []string
	Service           string
	ServiceID         string
	SendStatus        SendStatus
	NumSegments       *int
	NumMedia          *int
	ErrorCodes        []string
	ServiceResponse   []byte
	CreatedAt         time.Time
	SentAt            *time.Time
	ServiceResponseAt *time.Time
}

// PendingMessagePart is a raw inbound fragment awaiting reassembly into a
// Message. Parts of one logical message share a root part via ParentID.
type PendingMessagePart struct {
	ID             string
	Service        string
	ServiceID      string
	ParentID       *string
	ServiceMessage []byte
	UserNumber     string
	ContactNumber  string
	CreatedAt      time.Time
}

// MessagingService is one configured provider account. ID is the
// provider-side profile/sid embedded by the provider in its callbacks.
// The auth token is stored encrypted and decrypted only transiently.
type MessagingService struct {
	ID                 string
	OrganizationID     int64
	ServiceType        string
	AccountSID         string
	EncryptedAuthToken string
	Active             bool
}

// MessagingServiceStick binds a contact number, within an organization, to
// one messaging service so the whole conversation rides one provider.
type MessagingServiceStick struct {
	OrganizationID     int64
	ContactNumber      string
	MessagingServiceID string
}

// Conversation identifies the active campaign contact and assignment an
// inbound message attaches to.
type Conversation struct {
	CampaignContactID int64
	AssignmentID      int64
}
