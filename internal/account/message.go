package account

import (
	"fmt"
	"strings"
	"time"
)

// Category is one of the six closed classification labels.
type Category string

// The category labels, with their exact wire strings.
const (
	CategoryInterested    Category = "Interested"
	CategoryMeetingBooked Category = "Meeting Booked"
	CategoryNotInterested Category = "Not Interested"
	CategorySpam          Category = "Spam"
	CategoryOutOfOffice   Category = "Out of Office"
	CategoryUncategorized Category = "Uncategorized"
)

// Categories lists every label in declaration order.
func Categories() []Category {
	return []Category{
		CategoryInterested,
		CategoryMeetingBooked,
		CategoryNotInterested,
		CategorySpam,
		CategoryOutOfOffice,
		CategoryUncategorized,
	}
}

// ParseCategory matches a label case-insensitively after trimming
// whitespace. It reports false for anything outside the closed set.
func ParseCategory(s string) (Category, bool) {
	t := strings.TrimSpace(s)
	for _, c := range Categories() {
		if strings.EqualFold(t, string(c)) {
			return c, true
		}
	}
	return "", false
}

// RawMessage is one message as fetched from IMAP, before ingestion. It is
// discarded once the pipeline has produced a StoredMessage from it.
type RawMessage struct {
	UID         uint64
	Subject     string
	From        string
	To          []string
	Date        time.Time
	SourceBytes []byte
}

// StoredMessage is the indexed form of a message. ID is the exactly-once
// key "{userId}|{email}|{uid}"; a retried ingestion of the same triple
// must never produce a second record.
type StoredMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Folder    string    `json:"folder"`
	UID       uint64    `json:"uid"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Date      time.Time `json:"date"`
	Body      string    `json:"body"`
	IsRead    bool      `json:"isRead"`
	IsStarred bool      `json:"isStarred"`
	Category  Category  `json:"category"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MessageID builds the exactly-once key for a message.
func MessageID(userID, email string, uid uint64) string {
	return fmt.Sprintf("%s|%s|%d", userID, email, uid)
}
