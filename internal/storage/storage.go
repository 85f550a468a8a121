package storage

import "rangeKeeper/internal/model"

// Storage defines a sink for rebalance journal records.
type Storage interface {
	PutRebalance(record model.RebalanceRecord) error
}
