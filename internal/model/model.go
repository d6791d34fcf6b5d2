package model

import (
	"fmt"
	"strings"
)

// EntityType is the kind of entity that can be staged in a cart.
type EntityType string

const (
	Investigation EntityType = "investigation"
	Dataset       EntityType = "dataset"
	Datafile      EntityType = "datafile"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case Investigation, Dataset, Datafile:
		return true
	}
	return false
}

// ParseEntityType parses a case-insensitive entity type name.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// ItemKey identifies a cart entry.
type ItemKey struct {
	Type EntityType
	ID   int64
}

func (k ItemKey) String() string {
	return fmt.Sprintf("%s %d", k.Type, k.ID)
}

// CartItem is one entity staged for download.
type CartItem struct {
	ID             int64      `json:"id"`
	EntityID       int64      `json:"entityId"`
	EntityType     EntityType `json:"entityType"`
	Name           string     `json:"name"`
	ParentEntities []CartItem `json:"parentEntities,omitempty"`
}

// Key returns the identity of the item within a cart.
func (c CartItem) Key() ItemKey {
	return ItemKey{Type: c.EntityType, ID: c.EntityID}
}

// Cart is the server-side download cart of one user at one facility.
type Cart struct {
	ID           int64      `json:"id,omitempty"`
	FacilityName string     `json:"facilityName"`
	UserName     string     `json:"userName"`
	CartItems    []CartItem `json:"cartItems"`
	CreatedAt    string     `json:"createdAt,omitempty"`
	UpdatedAt    string     `json:"updatedAt,omitempty"`
}

// SubmitResult is the body returned by a cart submission. DownloadID is nil
// when the server omitted it.
type SubmitResult struct {
	CartItems    []CartItem `json:"cartItems"`
	FacilityName string     `json:"facilityName"`
	UserName     string     `json:"userName"`
	DownloadID   *int64     `json:"downloadId,omitempty"`
}

// TransportStatus reports whether a transport (access method) is usable.
type TransportStatus struct {
	Type     string `json:"type"`
	Disabled bool   `json:"disabled"`
	Message  string `json:"message"`
}

// CloneItems returns a copy of items that shares no backing array.
func CloneItems(items []CartItem) []CartItem {
	if items == nil {
		return nil
	}
	out := make([]CartItem, len(items))
	copy(out, items)
	return out
}
