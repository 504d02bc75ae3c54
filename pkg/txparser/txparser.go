// Package txparser splits transaction keys of the form
// "<hash>_<action>_<action>...".
package txparser

import "strings"

const delimiter = "_"

// Transaction is a parsed transaction key.
type Transaction struct {
	Hash    string
	Actions []string
}

// Parse splits raw on underscores. The first field is the hash and the
// rest are actions in order. Empty fields between delimiters are kept; a
// single trailing delimiter does not produce an empty action.
func Parse(raw string) Transaction {
	if raw == "" {
		return Transaction{}
	}
	fields := strings.Split(raw, delimiter)
	if fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}
	if len(fields) == 0 {
		return Transaction{}
	}

	tx := Transaction{Hash: fields[0]}
	if len(fields) > 1 {
		tx.Actions = fields[1:]
	}
	return tx
}

// String joins the transaction back into key form.
func (tx Transaction) String() string {
	return strings.Join(append([]string{tx.Hash}, tx.Actions...), delimiter)
}
