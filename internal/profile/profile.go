// ABOUTME: Profile record, partial updates and the document path they live at
// ABOUTME: Converts between profiles and document data maps

package profile

import (
	"time"

	"github.com/2389/profilesync/internal/provider"
)

// Defaults for a profile nobody has edited yet.
const (
	DefaultDisplayName = "User"
	DefaultRole        = "Member"
)

// Document field names.
const (
	FieldDisplayName = "displayName"
	FieldBio         = "bio"
	FieldRole        = "role"
	FieldCreatedAt   = "createdAt"
)

// Profile is the per-user display record.
type Profile struct {
	DisplayName string
	Bio         string
	Role        string
	CreatedAt   *time.Time
}

// Default returns the profile shown before any document is observed.
func Default() Profile {
	return Profile{DisplayName: DefaultDisplayName, Role: DefaultRole}
}

// FromData builds a profile from a document. Fields absent from the document
// are left empty.
func FromData(data map[string]any) Profile {
	var p Profile
	p.DisplayName, _ = data[FieldDisplayName].(string)
	p.Bio, _ = data[FieldBio].(string)
	p.Role, _ = data[FieldRole].(string)
	switch v := data[FieldCreatedAt].(type) {
	case time.Time:
		t := v
		p.CreatedAt = &t
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.CreatedAt = &t
		}
	}
	return p
}

// Data converts the profile to document fields.
func (p Profile) Data() map[string]any {
	data := map[string]any{
		FieldDisplayName: p.DisplayName,
		FieldBio:         p.Bio,
		FieldRole:        p.Role,
	}
	if p.CreatedAt != nil {
		data[FieldCreatedAt] = *p.CreatedAt
	}
	return data
}

// Patch is a partial profile update. Nil fields are left unchanged.
type Patch struct {
	DisplayName *string
	Bio         *string
	Role        *string
}

// Text returns a pointer to s, for building patches.
func Text(s string) *string { return &s }

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.DisplayName == nil && p.Bio == nil && p.Role == nil
}

// Data returns only the fields the patch sets.
func (p Patch) Data() map[string]any {
	data := make(map[string]any, 3)
	if p.DisplayName != nil {
		data[FieldDisplayName] = *p.DisplayName
	}
	if p.Bio != nil {
		data[FieldBio] = *p.Bio
	}
	if p.Role != nil {
		data[FieldRole] = *p.Role
	}
	return data
}

// Apply merges the patch into base.
func (p Patch) Apply(base Profile) Profile {
	if p.DisplayName != nil {
		base.DisplayName = *p.DisplayName
	}
	if p.Bio != nil {
		base.Bio = *p.Bio
	}
	if p.Role != nil {
		base.Role = *p.Role
	}
	return base
}

// Ref addresses the profile document of uid within namespace:
// artifacts/{namespace}/users/{uid}/profile/data.
func Ref(docs provider.DocumentStore, namespace, uid string) provider.DocRef {
	return docs.Ref("artifacts", namespace, "users", uid, "profile", "data")
}
