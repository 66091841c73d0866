// Package repository provides a generic document repository over pluggable storage
// providers.
//
// Entities are plain structs embedding BaseEntity plus any of the capability field
// groups (Audit, Tagged, Expiring, SoftDelete). DocumentRepository inspects the
// capabilities of the entity type once and enforces soft delete, restore, audit and
// optimistic concurrency rules before delegating I/O to a Provider.
package repository

import (
	"reflect"
	"strings"
)

// Entity is the identity contract every stored type satisfies.
type Entity interface {
	GetID() string
	SetID(id string)
	EntityType() string
	// PartitionKey must be derivable without I/O and stable for the entity lifetime.
	PartitionKey() string
}

// BaseEntity carries the identity fields. Its PartitionKey is the id; types that
// partition on another field override PartitionKey.
type BaseEntity struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

func (e *BaseEntity) GetID() string        { return e.ID }
func (e *BaseEntity) SetID(id string)      { e.ID = id }
func (e *BaseEntity) EntityType() string   { return e.Type }
func (e *BaseEntity) PartitionKey() string { return e.ID }

// InitEntityType records the concrete type name. It has no effect once set.
func (e *BaseEntity) InitEntityType(name string) {
	if e.Type == "" {
		e.Type = name
	}
}

type typeInitializer interface {
	InitEntityType(name string)
}

// Key addresses one stored document.
type Key struct {
	ID           string
	PartitionKey string
}

// KeyOf returns the storage key of an entity.
func KeyOf(e Entity) Key {
	return Key{ID: e.GetID(), PartitionKey: e.PartitionKey()}
}

// IDKey returns the key of an entity partitioned by its own id.
func IDKey(id string) Key {
	return Key{ID: id, PartitionKey: id}
}

func typeName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

func defaultContainerName[T any]() string {
	return strings.ToLower(typeName[T]())
}
