// Package store is the transactional persistence layer for messages,
// pending inbound parts, messaging services and number sticks. All status
// and count mutations are conditional single statements so concurrent
// delivery reports cannot lose updates.
package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("store: not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}
