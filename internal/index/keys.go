package index

import "time"

// Key prefixes for DynamoDB keys.
const (
	PrefixUser    = "USER#"
	PrefixMessage = "MSG#"
	PrefixRcvd    = "RCVD#"
)

// Attribute names for DynamoDB items.
const (
	AttrPK        = "pk"
	AttrSK        = "sk"
	AttrLSI1SK    = "lsi1sk"
	AttrID        = "id"
	AttrUserID    = "userId"
	AttrEmail     = "email"
	AttrFolder    = "folder"
	AttrUID       = "uid"
	AttrSubject   = "subject"
	AttrFrom      = "from"
	AttrTo        = "to"
	AttrDate      = "date"
	AttrBody      = "body"
	AttrIsRead    = "isRead"
	AttrIsStarred = "isStarred"
	AttrCategory  = "category"
	AttrCreatedAt = "createdAt"
	AttrUpdatedAt = "updatedAt"
)

// LSI1Name is the local secondary index sorted by receive time.
const LSI1Name = "lsi1"

// userPK returns the partition key for a user's messages.
func userPK(userID string) string {
	return PrefixUser + userID
}

// messageSK returns the sort key for a message.
func messageSK(id string) string {
	return PrefixMessage + id
}

// receivedSK returns the lsi1 sort key, ordering messages by receive time
// with the id as tie-breaker.
func receivedSK(date time.Time, id string) string {
	return PrefixRcvd + date.UTC().Format(time.RFC3339) + "#" + id
}
