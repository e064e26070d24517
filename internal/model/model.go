// Copyright 2026 Dominik Schlosser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model defines the persistent entities of the issuance engine.
// Session and Application are the only cross-request state; SiopOffer
// and CredOffer are disposable caches of in-flight protocol artifacts.
package model

import (
	"time"

	"github.com/uptrace/bun"
)

// ApplicationStatus is the approval workflow state of an Application.
type ApplicationStatus string

const (
	StatusPending  ApplicationStatus = "pending"
	StatusApproved ApplicationStatus = "approved"
	StatusRejected ApplicationStatus = "rejected"
	StatusRevoked  ApplicationStatus = "revoked"
)

// Session is an ephemeral browser correlation record. Its id doubles as
// the pub/sub channel key for completion broadcasts.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID        string    `bun:"id,pk" json:"id"`
	IsValid   bool      `bun:"is_valid" json:"isValid"`
	DID       string    `bun:"did,nullzero" json:"did,omitempty"`
	UserID    string    `bun:"user_id,nullzero" json:"userId,omitempty"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// User is a holder account bound to a DID after a successful SIOP login.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID           string    `bun:"id,pk" json:"id"`
	Email        string    `bun:"email,nullzero" json:"email,omitempty"`
	DID          string    `bun:"did,nullzero,unique" json:"did,omitempty"`
	Organization string    `bun:"organization,nullzero" json:"organization,omitempty"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// CredentialTemplate describes one issuable credential type. It owns the
// encoded status list shared by all credentials issued from it.
type CredentialTemplate struct {
	bun.BaseModel `bun:"table:credential_templates,alias:ct"`

	ID              string         `bun:"id,pk" json:"id"`
	Name            string         `bun:"name,notnull" json:"name"`
	Type            string         `bun:"type,notnull,default:'credential'" json:"type"` // "credential" or "badge"
	Duration        string         `bun:"duration,nullzero" json:"duration,omitempty"`   // validity in seconds; parsed at issue time
	Icon            string         `bun:"icon,nullzero" json:"icon,omitempty"`
	PrefilledFields map[string]any `bun:"prefilled_fields,type:jsonb" json:"prefilledFields,omitempty"`
	BadgeFields     map[string]any `bun:"badge_fields,type:jsonb" json:"badgeFields,omitempty"`
	EncodedList     string         `bun:"encoded_list,nullzero" json:"-"`
	SigningDID      string         `bun:"signing_did,nullzero" json:"signingDid,omitempty"`
	IssuerName      string         `bun:"issuer_name,nullzero" json:"issuerName,omitempty"`
	IssuerLogo      string         `bun:"issuer_logo,nullzero" json:"issuerLogo,omitempty"`
	IssuerURL       string         `bun:"issuer_url,nullzero" json:"issuerUrl,omitempty"`
}

// FlowStep is one step config inside an Application's flow. Steps are
// ordered by Index; the step at len(stepActions) is the current one.
type FlowStep struct {
	Index                  int            `json:"index"`
	Kind                   string         `json:"kind"`
	PresentationDefinition map[string]any `json:"presentationDefinition,omitempty"`
}

// Application is a single credential request/grant. The claimed flag is
// monotonic: it transitions false -> true at most once, and only while
// the status is approved.
type Application struct {
	bun.BaseModel `bun:"table:applications,alias:a"`

	ID                string            `bun:"id,pk" json:"id"`
	Status            ApplicationStatus `bun:"status,notnull,default:'pending'" json:"status"`
	Claimed           bool              `bun:"claimed,notnull,default:false" json:"claimed"`
	Body              map[string]any    `bun:"body,type:jsonb" json:"body"`
	ApprovalTimestamp time.Time         `bun:"approval_timestamp,nullzero" json:"approvalTimestamp,omitempty"`
	TemplateID        string            `bun:"template_id,notnull" json:"templateId"`
	UserID            string            `bun:"user_id,nullzero" json:"userId,omitempty"`
	Email             string            `bun:"email,nullzero" json:"email,omitempty"`
	Flow              []FlowStep        `bun:"flow,type:jsonb" json:"flow,omitempty"`
	CreatedAt         time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// CredentialIssuance is the 1:1 companion of an approved Application.
// ApplicationIndex is dense per template, assigned in increasing order,
// and never reused; the composite unique constraint is the storage
// backstop against allocation races.
type CredentialIssuance struct {
	bun.BaseModel `bun:"table:credential_issuances,alias:ci"`

	ID               string    `bun:"id,pk" json:"id"`
	TemplateID       string    `bun:"template_id,notnull,unique:unique_credential_issuance" json:"templateId"`
	ApplicationID    string    `bun:"application_id,notnull,unique" json:"applicationId"`
	ApplicationIndex int       `bun:"application_index,notnull,unique:unique_credential_issuance" json:"applicationIndex"`
	CreatedAt        time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// SiopOffer is a pending SIOP authentication request, keyed by session
// or siop id. Re-requests overwrite it in place.
type SiopOffer struct {
	bun.BaseModel `bun:"table:siop_offers,alias:so"`

	ID            string         `bun:"id,pk" json:"id"`
	Request       string         `bun:"request,notnull" json:"request"`
	Pex           map[string]any `bun:"pex,type:jsonb" json:"pex,omitempty"`
	ApplicationID string         `bun:"application_id,nullzero" json:"applicationId,omitempty"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

// CredOffer is a pending credential offer, keyed by application id,
// with the same overwrite-on-re-request semantics as SiopOffer.
type CredOffer struct {
	bun.BaseModel `bun:"table:cred_offers,alias:co"`

	ID        string         `bun:"id,pk" json:"id"`
	Offer     map[string]any `bun:"offer,type:jsonb" json:"offer"`
	UpdatedAt time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

// StepAction records a completed flow step for an Application.
type StepAction struct {
	bun.BaseModel `bun:"table:step_actions,alias:sa"`

	ID            string         `bun:"id,pk" json:"id"`
	ApplicationID string         `bun:"application_id,notnull" json:"applicationId"`
	StepIndex     int            `bun:"step_index,notnull" json:"stepIndex"`
	Status        string         `bun:"status,notnull" json:"status"`
	Metadata      map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// LoginComplete reports whether a user has finished signup beyond the
// bare DID binding. Mirrored into the login broadcast payload.
func (u *User) LoginComplete() bool {
	return u.Email != "" || u.Organization != ""
}
