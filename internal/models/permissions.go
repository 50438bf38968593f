package models

// Action is something a collaborator may be allowed to do inside a session
type Action string

const (
	ActionView   Action = "view"
	ActionEdit   Action = "edit"
	ActionInvite Action = "invite"
	ActionManage Action = "manage"
	ActionExport Action = "export"
)

// Mutates reports whether the action changes the diagram or who can reach it.
// Ended sessions refuse these for everyone, the owner included.
func (a Action) Mutates() bool {
	return a == ActionEdit || a == ActionInvite
}

var roleDefaults = map[Role]map[Action]bool{
	RoleOwner: {
		ActionView: true, ActionEdit: true, ActionInvite: true, ActionManage: true, ActionExport: true,
	},
	RoleEditor: {
		ActionView: true, ActionEdit: true, ActionExport: true,
	},
	RoleViewer: {
		ActionView: true,
	},
}

// Permissions holds optional per-collaborator overrides of the role defaults.
// A nil field means "use the role default".
type Permissions struct {
	CanEdit   *bool `json:"can_edit,omitempty"`
	CanInvite *bool `json:"can_invite,omitempty"`
	CanManage *bool `json:"can_manage,omitempty"`
	CanExport *bool `json:"can_export,omitempty"`
}

// Allows resolves an action: override first, then the role default
func (p Permissions) Allows(role Role, action Action) bool {
	var override *bool
	switch action {
	case ActionEdit:
		override = p.CanEdit
	case ActionInvite:
		override = p.CanInvite
	case ActionManage:
		override = p.CanManage
	case ActionExport:
		override = p.CanExport
	}
	if override != nil {
		return *override
	}
	return roleDefaults[role][action]
}
