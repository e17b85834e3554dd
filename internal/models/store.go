package models

import (
	"fmt"
	"regexp"
	"strings"
)

var storeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-]*\.myshopify\.com$`)

// StoreContext identifies whose data a question is about. Credentials are
// resolved by the warehouse, never carried here.
type StoreContext struct {
	StoreID string `json:"storeId"`
}

func (s StoreContext) Validate() error {
	id := strings.TrimSpace(s.StoreID)
	if id == "" {
		return fmt.Errorf("storeId is required")
	}
	if !storeIDPattern.MatchString(id) {
		return fmt.Errorf("storeId %q is not a valid store domain", s.StoreID)
	}
	return nil
}
