// Package petsync implements the offline-first synchronization core for
// TailTracker: a durable local cache of pet records, a coalescing offline
// mutation queue, version-based conflict detection/resolution, and a sync
// engine that drains pending mutations against the remote backend when
// connectivity allows.
//
// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies the kind of domain record being stored and synced.
type EntityType string

const (
	EntityPet              EntityType = "pet"
	EntityLostPetReport    EntityType = "lost_pet_report"
	EntityEmergencyContact EntityType = "emergency_contact"
	EntityMedicalEntry     EntityType = "medical_entry"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPet, EntityLostPetReport, EntityEmergencyContact, EntityMedicalEntry:
		return true
	}
	return false
}

// Operation is the kind of pending mutation held in the offline queue.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Priority orders queue entries. HIGH is reserved for safety-critical
// mutations (lost-pet reports, emergency contacts).
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "HIGH"
	}
	return "NORMAL"
}

// Record is a locally cached domain entity with version metadata.
//
// RemoteVersion is 0 until the backend confirms the record for the first
// time. A record whose LocalVersion exceeds RemoteVersion carries unsynced
// changes ("dirty").
type Record struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entity_type"`
	Payload       json.RawMessage `json:"payload"`
	LocalVersion  int64           `json:"local_version"`
	RemoteVersion int64           `json:"remote_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Deleted       bool            `json:"deleted"`

	// SyncedPayload is the payload as of RemoteVersion, kept as the common
	// ancestor for three-way conflict diffs. Only the sync engine writes it.
	SyncedPayload json.RawMessage `json:"-"`
}

// Dirty reports whether the record has local changes not yet confirmed by
// the backend.
func (r *Record) Dirty() bool { return r.LocalVersion > r.RemoteVersion }

// Payload is implemented by the typed payload structs, one per entity kind.
type Payload interface {
	Entity() EntityType
}

// PetPayload is the profile of a single pet.
type PetPayload struct {
	Name      string `json:"name"`
	Species   string `json:"species"`
	Breed     string `json:"breed,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
	PhotoURL  string `json:"photo_url,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

func (PetPayload) Entity() EntityType { return EntityPet }

// LostPetReportPayload is an active or resolved lost-pet alert.
type LostPetReportPayload struct {
	PetID            string    `json:"pet_id"`
	Status           string    `json:"status"` // "active" or "found"
	LastSeenAt       time.Time `json:"last_seen_at,omitempty"`
	LastSeenLocation string    `json:"last_seen_location,omitempty"`
	Description      string    `json:"description,omitempty"`
	RewardAmount     float64   `json:"reward_amount,omitempty"`
}

func (LostPetReportPayload) Entity() EntityType { return EntityLostPetReport }

// EmergencyContactPayload is a person to notify about a pet.
type EmergencyContactPayload struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Email        string `json:"email,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

func (EmergencyContactPayload) Entity() EntityType { return EntityEmergencyContact }

// MedicalEntryPayload is one entry in a pet's medical history.
type MedicalEntryPayload struct {
	PetID   string `json:"pet_id"`
	Kind    string `json:"kind"` // e.g. "vaccination", "medication", "visit"
	Date    string `json:"date,omitempty"`
	VetName string `json:"vet_name,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (MedicalEntryPayload) Entity() EntityType { return EntityMedicalEntry }

// EncodePayload marshals a typed payload to its JSON wire form.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("payload cannot be nil")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Entity(), err)
	}
	return data, nil
}

// DecodePayload unmarshals raw JSON into the typed payload for the given
// entity kind. It is the shape check applied on every local write, so
// mismatches are caught at write time rather than at sync time.
func DecodePayload(t EntityType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload for entity type %q", t)
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case EntityPet:
		var v PetPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EntityLostPetReport:
		var v LostPetReportPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EntityEmergencyContact:
		var v EmergencyContactPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EntityMedicalEntry:
		var v MedicalEntryPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}
