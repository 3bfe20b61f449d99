// Package repository holds the MySQL persistence for the capacity
// ledgers, reservations and tickets.  Domain failures are reported with
// the sentinels of package model; the helpers here classify driver
// errors that higher layers may want to react to, such as deadlocks
// between transactions that touch the same shards in a different order.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// IsRetryable reports whether err is a transaction abort that leaves no
// effects behind and may succeed when the whole transaction is replayed.
// Handlers never see these; WithTx replays the unit of work instead.
func IsRetryable(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == mysqlErrDeadlock || me.Number == mysqlErrLockWaitTimeout
}
