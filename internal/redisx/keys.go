package redisx

import (
	"fmt"
	"time"
)

const (
	// Stock counter per event: event:stock:{event_id} -> integer
	KeyEventStock = "event:stock:%s"

	// Latest order per member for status polling: member:order:{member_id} -> order JSON
	KeyMemberOrder = "member:order:%s"

	// Preloaded event details: event:info:{event_id} -> hash
	KeyEventInfo = "event:info:%s"
)

var (
	TTLMemberOrder = 24 * time.Hour
	TTLEventInfo   = 48 * time.Hour
)

func EventStockKey(eventID string) string { return fmt.Sprintf(KeyEventStock, eventID) }
func MemberOrderKey(memberID string) string { return fmt.Sprintf(KeyMemberOrder, memberID) }
func EventInfoKey(eventID string) string { return fmt.Sprintf(KeyEventInfo, eventID) }
