// internal/models/target.go
package models

import (
	"fmt"
	"strconv"
)

// TargetKind tags the variant of a notification target.
type TargetKind string

const (
	TargetSingle      TargetKind = "single"
	TargetAgency      TargetKind = "agency"
	TargetAllAgencies TargetKind = "all_agencies"
	TargetAllUsers    TargetKind = "all_users"
	TargetMeterOwners TargetKind = "meter_owners"
)

// Target selects the users a notification is addressed to. Only the field
// matching Kind is meaningful.
type Target struct {
	Kind        TargetKind `json:"kind"`
	UserID      int64      `json:"user_id,omitempty"`
	AgencyID    int64      `json:"agency_id,omitempty"`
	MeterNumber string     `json:"meter_number,omitempty"`
}

func SingleUser(userID int64) Target { return Target{Kind: TargetSingle, UserID: userID} }

func Agency(agencyID int64) Target { return Target{Kind: TargetAgency, AgencyID: agencyID} }

func AllAgencies() Target { return Target{Kind: TargetAllAgencies} }

func AllUsers() Target { return Target{Kind: TargetAllUsers} }

func MeterOwners(meterNumber string) Target {
	return Target{Kind: TargetMeterOwners, MeterNumber: meterNumber}
}

// Validate checks that the variant carries its selector.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetSingle:
		if t.UserID <= 0 {
			return fmt.Errorf("target %s requires user_id", t.Kind)
		}
	case TargetAgency:
		if t.AgencyID <= 0 {
			return fmt.Errorf("target %s requires agency_id", t.Kind)
		}
	case TargetMeterOwners:
		if t.MeterNumber == "" {
			return fmt.Errorf("target %s requires meter_number", t.Kind)
		}
	case TargetAllAgencies, TargetAllUsers:
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}

// Key is a stable identifier of the target used in idempotency keys. A
// single-user target is keyed by its bare user id.
func (t Target) Key() string {
	switch t.Kind {
	case TargetSingle:
		return strconv.FormatInt(t.UserID, 10)
	case TargetAgency:
		return "agency:" + strconv.FormatInt(t.AgencyID, 10)
	case TargetMeterOwners:
		return "meter:" + t.MeterNumber
	default:
		return string(t.Kind)
	}
}

// IsGlobal reports whether the target is every user.
func (t Target) IsGlobal() bool {
	return t.Kind == TargetAllUsers
}

func (t Target) String() string {
	return t.Key()
}
