package redisx

import (
	"fmt"
	"time"
)

const (
	// order_status:{order_id} -> {"status": "...", "owner_id": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// order_status_gen:{order_id} -> random token replaced on every invalidation
	KeyOrderStatusGen = "order_status_gen:%s"

	// dedup:{scope}:{id}, id = provider event id or body digest
	KeyDedup = "dedup:%s:%s"

	// lock:{job}
	KeyLock = "lock:%s"
)

const (
	ScopeWebhook = "webhook"
	JobReaper    = "reservation-reaper"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLStatusGen   = time.Hour
	TTLDedup       = 48 * time.Hour
)

func OrderStatusKey(orderID string) string { return fmt.Sprintf(KeyOrderStatus, orderID) }

func OrderStatusGenKey(orderID string) string { return fmt.Sprintf(KeyOrderStatusGen, orderID) }

func DedupKey(scope, id string) string { return fmt.Sprintf(KeyDedup, scope, id) }

func LockKey(job string) string { return fmt.Sprintf(KeyLock, job) }
