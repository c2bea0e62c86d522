package model

import "fmt"

// DataError describes a malformed transaction. Detection skips the record
// and carries on with the rest of the run.
type DataError struct {
	TransactionID string
	Field         string
	Reason        string
}

func (e *DataError) Error() string {
	if e.TransactionID == "" {
		return fmt.Sprintf("malformed transaction: %s", e.Reason)
	}
	return fmt.Sprintf("malformed transaction %s: %s", e.TransactionID, e.Reason)
}
